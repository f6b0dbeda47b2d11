package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePrefix(t *testing.T) {
	assert.Equal(t, "arbot", normalizePrefix(""))
	assert.Equal(t, "arbot", normalizePrefix("   "))
	assert.Equal(t, "arbot", normalizePrefix(":"))
	assert.Equal(t, "staging", normalizePrefix("staging"))
	assert.Equal(t, "staging", normalizePrefix("staging:"))
	assert.Equal(t, "staging", normalizePrefix(" staging: "))
}

func TestKeysCarryClientPrefix(t *testing.T) {
	c := &Client{prefix: normalizePrefix("staging")}

	assert.Equal(t, "staging:quote:quickswap:WETH/USDC",
		NewQuoteCache(c).quoteKey("quickswap", "WETH/USDC"))
	assert.Equal(t, "staging:lock:vault:0xabc",
		NewLockManager(c).lockKey("vault:0xabc"))
}

func TestDefaultPrefixIsolatesEngineKeys(t *testing.T) {
	c := &Client{prefix: normalizePrefix("")}
	assert.Equal(t, "arbot:quote:pricefeed:WBTC/USDC",
		NewQuoteCache(c).quoteKey("pricefeed", "WBTC/USDC"))
}
