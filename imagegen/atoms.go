package imagegen

import (
	"net/url"
	"strings"
)

// IsAzureEndpoint reports whether endpoint is an Azure OpenAI resource.
//
// Example:
//
//	IsAzureEndpoint("https://myresource.openai.azure.com")  // true
//	IsAzureEndpoint("https://api.openai.com/v1")            // false
func IsAzureEndpoint(endpoint string) bool {
	lower := strings.ToLower(endpoint)
	return strings.Contains(lower, "openai.azure.com") ||
		strings.Contains(lower, "cognitiveservices.azure.com")
}

// IsLocalEndpoint reports whether endpoint points at this machine or a
// private network, e.g. a self-hosted OpenAI-compatible image server. The
// startup checks flag these so a misconfigured production deploy is
// visible.
func IsLocalEndpoint(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == "localhost" ||
		strings.HasPrefix(host, "127.") ||
		host == "0.0.0.0" ||
		strings.HasPrefix(host, "192.168.") ||
		strings.HasPrefix(host, "10.")
}
