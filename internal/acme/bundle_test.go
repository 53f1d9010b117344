package acme

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBundlePEM(t *testing.T) {
	leaf := "-----BEGIN CERTIFICATE-----\nleaf\n-----END CERTIFICATE-----\n"
	chain := "-----BEGIN CERTIFICATE-----\nchain\n-----END CERTIFICATE-----\n"

	assert.Equal(t, leaf, bundlePEM(leaf, ""))
	assert.Equal(t, leaf+chain, bundlePEM(leaf, chain))

	// A leaf without a trailing newline gets one before the chain.
	trimmed := "-----BEGIN CERTIFICATE-----\nleaf\n-----END CERTIFICATE-----"
	assert.Equal(t, trimmed+"\n"+chain, bundlePEM(trimmed, chain))

	// An empty leaf must not panic and yields just the chain.
	assert.Equal(t, chain, bundlePEM("", chain))
	assert.Equal(t, "", bundlePEM("", ""))
}
