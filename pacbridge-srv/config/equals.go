package config

import "slices"

// HasChanged returns true if the configuration has changed compared to another config.
// This implementation explicitly compares all fields without using reflection.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	if a.ListenAddress != b.ListenAddress ||
		a.LogLevel != b.LogLevel ||
		a.MaxConcurrentConnections != b.MaxConcurrentConnections ||
		a.MaxHeaderBytes != b.MaxHeaderBytes {
		return true
	}
	if a.Timeouts != b.Timeouts {
		return true
	}
	if !resolverEqual(a.Resolver, b.Resolver) {
		return true
	}
	if a.Auth != b.Auth {
		return true
	}
	if !dnsEqual(a.DNS, b.DNS) {
		return true
	}
	if a.Statistics != b.Statistics || a.Portal != b.Portal {
		return true
	}
	return false
}

func resolverEqual(a, b ResolverConfig) bool {
	if a.PACURL != b.PACURL ||
		a.StaticProxy != b.StaticProxy ||
		a.RefreshSeconds != b.RefreshSeconds ||
		a.PACCacheSeconds != b.PACCacheSeconds ||
		a.FailurePolicy != b.FailurePolicy ||
		a.MaxPACBytes != b.MaxPACBytes {
		return false
	}
	if (a.AutoDetect == nil) != (b.AutoDetect == nil) {
		return false
	}
	if a.AutoDetect != nil && *a.AutoDetect != *b.AutoDetect {
		return false
	}
	if !slices.Equal(a.Bypass, b.Bypass) ||
		!slices.Equal(a.Sources, b.Sources) ||
		!slices.Equal(a.WPADLeaseFiles, b.WPADLeaseFiles) {
		return false
	}
	return a.BypassDomainsFile == b.BypassDomainsFile && slices.Equal(a.BypassDomains, b.BypassDomains)
}

func dnsEqual(a, b DNSConfig) bool {
	return a.Enabled == b.Enabled && slices.Equal(a.Servers, b.Servers)
}
