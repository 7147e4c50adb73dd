// Package normalize turns one decoded source row into a price fact,
// resolving its surrogate references through the dimension stores, or into
// a rejection explaining why the row cannot be used.
package normalize

import (
	"fmt"
	"strings"
	"time"

	"pricestar/internal/dimension"
	"pricestar/internal/facts"
)

// Canonical source fields.
const (
	FieldSettlement  = "settlement"
	FieldTradeObject = "trade_object"
	FieldProductName = "product_name"
	FieldProductCode = "product_code"
	FieldCategory    = "category"
	FieldRetailPrice = "retail_price"
	FieldPromoPrice  = "promo_price"
)

// RequiredFields must be present and non-blank in every row.
var RequiredFields = []string{FieldSettlement, FieldTradeObject, FieldProductName, FieldCategory}

// RowError describes why a row was rejected.
type RowError struct {
	Field  string
	Reason string
}

func (e *RowError) Error() string { return e.Reason }

func missing(field string) *RowError {
	return &RowError{Field: field, Reason: "missing required field: " + field}
}

// Names resolves a raw code to its display name, falling back to the code.
type Names interface {
	Name(code string) string
}

type identity struct{}

func (identity) Name(code string) string { return code }

// Context is the per-file metadata taken from the source file name.
type Context struct {
	Date         time.Time
	TradeChainID int
	Source       string
}

// Row is a decoded source row. Number counts the header as row 1.
type Row struct {
	Number int
	Fields map[string]string
	Raw    string
}

// Rejection is a row that produced no fact.
type Rejection struct {
	Source string
	Row    int
	Raw    string
	Reason string
	Err    error
}

// Normalizer resolves rows against a dimension set. Normalize must be
// called from one goroutine at a time to keep surrogate-id assignment in
// row order.
type Normalizer struct {
	dims       *dimension.Set
	categories Names
	cities     Names
}

// New returns a Normalizer. Nil name tables fall back to the raw codes.
func New(dims *dimension.Set, categories, cities Names) *Normalizer {
	if categories == nil {
		categories = identity{}
	}
	if cities == nil {
		cities = identity{}
	}
	return &Normalizer{dims: dims, categories: categories, cities: cities}
}

// Normalize returns the fact for row, or a non-nil rejection. It never
// panics; an unexpected failure is reported as a rejection.
//
// Fields and prices are validated before any dimension lookup, so a
// rejected row never creates dimension entries.
func (n *Normalizer) Normalize(row Row, c Context) (fact facts.Fact, rej *Rejection) {
	defer func() {
		if r := recover(); r != nil {
			fact = facts.Fact{}
			rej = n.reject(row, c, &RowError{Reason: fmt.Sprintf("internal error: %v", r)})
		}
	}()

	f, err := n.normalize(row, c)
	if err != nil {
		return facts.Fact{}, n.reject(row, c, err)
	}
	return f, nil
}

func (n *Normalizer) reject(row Row, c Context, err *RowError) *Rejection {
	return &Rejection{
		Source: c.Source,
		Row:    row.Number,
		Raw:    row.Raw,
		Reason: err.Reason,
		Err:    err,
	}
}

func (n *Normalizer) normalize(row Row, c Context) (facts.Fact, *RowError) {
	field := func(name string) string { return strings.TrimSpace(row.Fields[name]) }
	for _, name := range RequiredFields {
		if field(name) == "" {
			return facts.Fact{}, missing(name)
		}
	}

	settlement := field(FieldSettlement)
	address := field(FieldTradeObject)
	productName := field(FieldProductName)
	productCode := field(FieldProductCode)
	categoryCode := field(FieldCategory)

	ekatte, err := LocationCode(settlement)
	if err != nil {
		return facts.Fact{}, &RowError{Field: FieldSettlement, Reason: err.Error()}
	}

	retail, perr := ParsePrice(FieldRetailPrice, field(FieldRetailPrice))
	if perr != nil {
		return facts.Fact{}, perr
	}
	promo, perr := ParsePrice(FieldPromoPrice, field(FieldPromoPrice))
	if perr != nil {
		return facts.Fact{}, perr
	}
	if !retail.Valid && !promo.Valid {
		return facts.Fact{}, &RowError{Reason: "at least one price (retail or promo) must be present"}
	}

	categoryID := n.dims.Category.GetOrCreate(dimension.Category{
		Name: n.categories.Name(categoryCode),
	})
	cityID := n.dims.City.GetOrCreate(dimension.City{
		EkatteCode: ekatte,
		Name:       n.cities.Name(ekatte),
	})
	objectID := n.dims.TradeObject.GetOrCreate(dimension.TradeObject{
		ChainID: c.TradeChainID,
		Address: address,
	})
	productID := n.dims.Product.GetOrCreate(dimension.NewProduct(productName, productCode, categoryID))

	return facts.Fact{
		Date:          c.Date,
		TradeChainID:  c.TradeChainID,
		TradeObjectID: objectID,
		CityID:        cityID,
		ProductID:     productID,
		CategoryID:    categoryID,
		RetailPrice:   retail,
		PromoPrice:    promo,
	}, nil
}
