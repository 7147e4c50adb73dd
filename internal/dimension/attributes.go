package dimension

import "strconv"

// Dimension names. They double as the document file stem (dim_<name>.json)
// and as the "dimension" field of creation events.
const (
	NameCategory    = "category"
	NameCity        = "city"
	NameTradeChain  = "trade_chain"
	NameTradeObject = "trade_object"
	NameProduct     = "product"
)

// Names lists every dimension in a fixed order.
var Names = []string{NameCategory, NameCity, NameTradeChain, NameTradeObject, NameProduct}

// Attributes is the fixed record shape of one dimension type.
//
// BusinessKey must be a pure function of the attributes: it decides whether
// two records are the same entity. DisplayValue is the human-facing value
// reported in creation events.
type Attributes interface {
	BusinessKey() string
	DisplayValue() string
}

// Category is keyed by its display name.
type Category struct {
	Name string `json:"name"`
}

func (c Category) BusinessKey() string  { return c.Name }
func (c Category) DisplayValue() string { return c.Name }

// City is keyed by its EKATTE code, zero-padded to at least 5 digits.
type City struct {
	EkatteCode string `json:"ekatte_code"`
	Name       string `json:"name"`
}

func (c City) BusinessKey() string { return c.EkatteCode }

func (c City) DisplayValue() string {
	if c.Name != "" {
		return c.Name
	}
	return c.EkatteCode
}

// TradeChain is keyed by name. Its ids are asserted by source file names,
// so rows never create entries in it.
type TradeChain struct {
	Name string `json:"name"`
}

func (c TradeChain) BusinessKey() string  { return c.Name }
func (c TradeChain) DisplayValue() string { return c.Name }

// TradeObject is a single shop. The same address under two chains is two
// distinct trade objects.
type TradeObject struct {
	ChainID int    `json:"chain_id"`
	Address string `json:"address"`
}

func (o TradeObject) BusinessKey() string {
	return strconv.Itoa(o.ChainID) + "|" + o.Address
}

func (o TradeObject) DisplayValue() string { return o.BusinessKey() }

// Product is keyed by (name, product code). A nil code is a valid key value
// of its own: "X" without a code and "X" with code "1" are different products.
type Product struct {
	Name        string  `json:"name"`
	ProductCode *string `json:"product_code"`
	CategoryID  int     `json:"category_id"`
}

// NewProduct builds a Product, mapping a blank code to nil.
func NewProduct(name, code string, categoryID int) Product {
	p := Product{Name: name, CategoryID: categoryID}
	if code != "" {
		p.ProductCode = &code
	}
	return p
}

// Code returns the product code or "" when absent.
func (p Product) Code() string {
	if p.ProductCode == nil {
		return ""
	}
	return *p.ProductCode
}

func (p Product) BusinessKey() string  { return p.Name + "|" + p.Code() }
func (p Product) DisplayValue() string { return p.Name }
