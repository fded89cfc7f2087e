package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlugRoundTrip(t *testing.T) {
	t.Parallel()

	paths := []string{
		"/",
		"/customers",
		"/customers/",
		"/northwind/products",
		"/northwind/products/",
		"/a/b/c",
		"/a_b-c/d",
	}
	for _, p := range paths {
		assert.Equal(t, p, SlugToPath(PathToSlug(p)), p)
	}
}

func TestSlugEncoding(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "customers-slash", PathToSlug("/customers/"))
	assert.Equal(t, "customers", PathToSlug("/customers"))
	assert.Equal(t, "northwind-slash-products", PathToSlug("/northwind/products"))
	assert.Equal(t, "-slash", PathToSlug("/"))
}

func TestEmptySlug(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "empty", PathToSlug(""))
	assert.Equal(t, "", SlugToPath("empty"))
}
