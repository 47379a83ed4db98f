// Package catalog classifies remote command output against a table of known
// failure signatures.
//
// A Catalog is built once at startup from data (built-in Defaults plus
// patterns from the deployment plan) and never mutated. Each ErrorPattern
// names a severity and the recovery handler to dispatch; handler ids are
// checked when the catalog is built so a typo fails fast instead of at
// dispatch time.
//
// Matching is incremental:
//
//	m := catalog.NewMatcher(cat, catalog.DefaultWindow)
//	for chunk := range stream.Output() {
//	    if match, ok := m.Feed(chunk); ok {
//	        // abort the command and dispatch match.Pattern.HandlerID
//	    }
//	}
//
// When several patterns match, the most severe wins and equal severities are
// resolved by registration order, so classification is deterministic.
package catalog
