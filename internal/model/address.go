package model

import "strings"

// NormalizeAddress lowercases a hex address. Every address-keyed map in the
// service must go through this helper on insert and lookup so that checksum
// and lowercase variants never coexist as distinct keys.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// ListenerKey builds the registry key for a (token, pool) listener pair.
// Token comes first so removal can prefix-match on the token address.
func ListenerKey(tokenAddress, poolAddress string) string {
	return NormalizeAddress(tokenAddress) + ":" + NormalizeAddress(poolAddress)
}
