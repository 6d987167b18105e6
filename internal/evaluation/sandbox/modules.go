package sandbox

import "time"

// ModulesConfig configures the standard capability modules.
type ModulesConfig struct {
	HTTPTimeout      time.Duration
	AllowedHTTPHosts []string
	AWSEndpoint      string
}

// StandardModules returns the aws, azure, gcp, http and json capabilities.
func StandardModules(cfg ModulesConfig) []Module {
	return []Module{
		NewAWSModule(cfg.AWSEndpoint),
		NewAzureModule(cfg.HTTPTimeout),
		NewGCPModule(cfg.HTTPTimeout),
		NewHTTPModule(cfg.AllowedHTTPHosts, cfg.HTTPTimeout),
		JSONModule{},
	}
}
