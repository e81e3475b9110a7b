package shared

// Book names one of the two refoldable ledger books.
type Book string

const (
	// BookStock tracks item quantities per branch.
	BookStock Book = "stock"
	// BookMoney tracks account money balances per branch.
	BookMoney Book = "money"
)

// Valid reports whether the book name is known.
func (b Book) Valid() bool {
	return b == BookStock || b == BookMoney
}
