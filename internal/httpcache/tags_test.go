package httpcache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfor/reqshield/internal/config"
)

func testDeriver() *Deriver {
	return NewDeriver(config.CacheConfig{
		IgnoreSegments:       []string{"api", "v1", "v2", "v3"},
		NormalizeIdentifiers: true,
		MaxTagDepth:          5,
	})
}

func TestTagsNestedResource(t *testing.T) {
	tags := testDeriver().Tags("/api/v1/customers/42/invoices")

	require.ElementsMatch(t, []string{
		"path:customers",
		"collection:customers",
		"customers",
		"customers:42",
		"customers:42:invoices",
		"customers:{id}",
		"customers:{id}:invoices",
		"customers/42/invoices",
		"customers/{id}/invoices",
	}, tags)
}

func TestTagsMutationMatchesRead(t *testing.T) {
	d := testDeriver()
	require.Equal(t, d.Tags("/api/v1/customers/42/invoices"), d.Tags("/api/v1/customers/42/invoices"),
		"tag derivation is method-agnostic and deterministic")
}

func TestTagsIgnoredRootOnly(t *testing.T) {
	require.Empty(t, testDeriver().Tags("/api/v1"), "no segments left means no tags")
	require.Empty(t, testDeriver().Tags("/"))
	require.Empty(t, testDeriver().Tags(""))
}

func TestTagsMaxDepth(t *testing.T) {
	d := NewDeriver(config.CacheConfig{MaxTagDepth: 2})
	tags := d.Tags("/a/b/c/d")

	require.Contains(t, tags, "a")
	require.Contains(t, tags, "a:b")
	require.NotContains(t, tags, "a:b:c")
}

func TestTagsLowercasesSegments(t *testing.T) {
	tags := NewDeriver(config.CacheConfig{MaxTagDepth: 5}).Tags("/Customers/Orders")

	require.Contains(t, tags, "customers")
	require.Contains(t, tags, "customers:orders")
}

func TestTagsWithoutNormalization(t *testing.T) {
	d := NewDeriver(config.CacheConfig{
		IgnoreSegments: []string{"api"},
		MaxTagDepth:    5,
	})
	tags := d.Tags("/api/customers/42")

	require.NotContains(t, tags, "customers:{id}")
	require.Contains(t, tags, "customers:42")
	require.Contains(t, tags, "customers/42")
}

func TestTagsCustomUnion(t *testing.T) {
	tags := testDeriver().Tags("/api/v1/reports", "billing", "billing")

	require.Contains(t, tags, "reports")
	require.Contains(t, tags, "billing")
	count := 0
	for _, tag := range tags {
		if tag == "billing" {
			count++
		}
	}
	require.Equal(t, 1, count, "custom tags are de-duplicated")
}

func TestIdentifierClassification(t *testing.T) {
	cases := []struct {
		segment string
		want    bool
	}{
		{"42", true},
		{"007", true},
		{"a3f9c2d1e4b5a6c7d8e9f0a1", true}, // 24 hex
		{"a3f9c2d1e4b5a6c7d8e9f0a1b2c3d4e5", true},         // 32 hex
		{"a3f9c2d1e4b5a6c7d8e9f0a1b2c3d4e5a6b7c8d9", true}, // 40 hex
		{"0b4e1e1e-0b4e-4b4e-8b4e-0b4e1e1e0b4e", true},     // UUID
		{"01ARZ3NDEKTSV4RRFFQ69G5FAV", true},               // ULID
		{"invoices", false},
		{"customers", false},
		{"", false},
		{"v1", false},
		{"a3f9c2d1e4b5a6c7d8e9f0a", false},  // 23 hex chars
		{"z3f9c2d1e4b5a6c7d8e9f0a1", false}, // non-hex at 24
		{"0b4e1e1e-0b4e-4b4e-8b4e-0b4e1e1e0b4g", false},
		{"01ARZ3NDEKTSV4RRFFQ69G5FAI", false}, // I excluded from base-32
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, isIdentifier(tc.segment), "segment %q", tc.segment)
	}
}

func TestTagsNormalizeIdentifierVariants(t *testing.T) {
	d := testDeriver()

	for _, path := range []string{
		"/api/invoices/42",
		"/api/invoices/a3f9c2d1e4b5a6c7d8e9f0a1",
		"/api/invoices/0b4e1e1e-0b4e-4b4e-8b4e-0b4e1e1e0b4e",
	} {
		tags := d.Tags(path)
		require.Contains(t, tags, "invoices:{id}", "path %q", path)
		require.Contains(t, tags, "invoices/{id}", "path %q", path)
	}
}
