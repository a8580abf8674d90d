package api

import (
	"net/url"
	"strings"
)

// URLBuilder renders the callback urls handed to gateways.
type URLBuilder struct {
	base string
}

func NewURLBuilder(baseURL string) *URLBuilder {
	return &URLBuilder{base: strings.TrimRight(baseURL, "/")}
}

// EndpointURL returns the absolute url of action for the payment identifier.
func (b *URLBuilder) EndpointURL(action, identifier string) string {
	return b.base + "/paymentendpoint/" + url.PathEscape(identifier) + "/" + action
}
