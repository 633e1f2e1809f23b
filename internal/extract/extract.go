// Package extract narrows fetched markup down to the part of a page a Target
// cares about: an optional CSS or XPath sub-element followed by optional
// include/exclude regular expressions.
package extract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// ErrNoMatch is returned when a selector matches nothing in the document.
var ErrNoMatch = errors.New("selector matched no elements")

// Rules describes how to reduce a document.
type Rules struct {
	CSSSelector  string
	XPath        string
	IncludeRegex string
	ExcludeRegex string
}

// RulesFor copies the extraction fields from a target.
func RulesFor(t monitor.Target) Rules {
	return Rules{
		CSSSelector:  t.CSSSelector,
		XPath:        t.XPath,
		IncludeRegex: t.IncludeRegex,
		ExcludeRegex: t.ExcludeRegex,
	}
}

// Empty reports whether the rules leave content untouched.
func (r Rules) Empty() bool {
	return r.CSSSelector == "" && r.XPath == "" && r.IncludeRegex == "" && r.ExcludeRegex == ""
}

// Apply selects the configured sub-element (CSS wins over XPath when both are
// set) and then applies the text filters.
func Apply(doc string, r Rules) (string, error) {
	out := doc
	var err error
	switch {
	case r.CSSSelector != "":
		out, err = SelectCSS(doc, r.CSSSelector)
	case r.XPath != "":
		out, err = SelectXPath(doc, r.XPath)
	}
	if err != nil {
		return "", err
	}
	return Filter(out, r.IncludeRegex, r.ExcludeRegex)
}

// SelectCSS returns the outer HTML of every element matching selector,
// joined by newlines.
func SelectCSS(doc, selector string) (string, error) {
	d, err := goquery.NewDocumentFromReader(strings.NewReader(doc))
	if err != nil {
		return "", fmt.Errorf("parse document: %w", err)
	}
	sel := d.Find(selector)
	if sel.Length() == 0 {
		return "", fmt.Errorf("css %q: %w", selector, ErrNoMatch)
	}
	parts := make([]string, 0, sel.Length())
	var outerErr error
	sel.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		h, err := goquery.OuterHtml(s)
		if err != nil {
			outerErr = err
			return false
		}
		parts = append(parts, h)
		return true
	})
	if outerErr != nil {
		return "", fmt.Errorf("render css match: %w", outerErr)
	}
	return strings.Join(parts, "\n"), nil
}

// SelectXPath returns the outer HTML of every node matching expr, joined by
// newlines.
func SelectXPath(doc, expr string) (string, error) {
	root, err := htmlquery.Parse(strings.NewReader(doc))
	if err != nil {
		return "", fmt.Errorf("parse document: %w", err)
	}
	nodes, err := htmlquery.QueryAll(root, expr)
	if err != nil {
		return "", fmt.Errorf("xpath %q: %w", expr, err)
	}
	if len(nodes) == 0 {
		return "", fmt.Errorf("xpath %q: %w", expr, ErrNoMatch)
	}
	parts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.Type == html.TextNode {
			parts = append(parts, n.Data)
			continue
		}
		parts = append(parts, htmlquery.OutputHTML(n, true))
	}
	return strings.Join(parts, "\n"), nil
}

// Filter keeps only the include matches (joined by newlines) and then strips
// every exclude match. Empty patterns are skipped.
func Filter(text, include, exclude string) (string, error) {
	if include != "" {
		re, err := regexp.Compile(include)
		if err != nil {
			return "", fmt.Errorf("include regex: %w", err)
		}
		text = strings.Join(re.FindAllString(text, -1), "\n")
	}
	if exclude != "" {
		re, err := regexp.Compile(exclude)
		if err != nil {
			return "", fmt.Errorf("exclude regex: %w", err)
		}
		text = re.ReplaceAllString(text, "")
	}
	return text, nil
}
