package chain

import "fmt"

// Network tags accepted by configuration.
const (
	NetworkDev  = "dev"
	NetworkTest = "test"
	NetworkMain = "main"
)

var networkURLs = map[string]string{
	NetworkDev:  "http://localhost:6767",
	NetworkTest: "https://test-seed.rooch.network",
	NetworkMain: "https://main-seed.rooch.network",
}

// NodeURLForNetwork maps a network tag (dev|test|main) to the default RPC
// endpoint of the corresponding deployment.
func NodeURLForNetwork(tag string) (string, error) {
	url, ok := networkURLs[tag]
	if !ok {
		return "", fmt.Errorf("unknown network tag: %q (want dev, test or main)", tag)
	}
	return url, nil
}
