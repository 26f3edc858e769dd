package model

// Link is one hyperlink found in an archived email, in document order.
type Link struct {
	URL  string
	Text string
}
