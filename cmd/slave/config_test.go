package main

import "testing"

func baseConfig() *appConfig {
	return &appConfig{
		addr:      "127.0.0.1:0",
		network:   "tcp",
		logFormat: "text",
		logLevel:  "info",
		rateLimit: 0,
		rateBurst: 1,
	}
}

func TestConfigValidateOK(t *testing.T) {
	if err := baseConfig().validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badNetwork", func(c *appConfig) { c.network = "udp" }},
		{"badLogFormat", func(c *appConfig) { c.logFormat = "xml" }},
		{"badLogLevel", func(c *appConfig) { c.logLevel = "verbose" }},
		{"negativeRateLimit", func(c *appConfig) { c.rateLimit = -1 }},
		{"zeroRateBurst", func(c *appConfig) { c.rateBurst = 0 }},
	}
	for _, tc := range tests {
		c := baseConfig()
		tc.mod(c)
		if err := c.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestEffectivePersistentAttached(t *testing.T) {
	single := baseConfig()
	single.single = true
	if single.effectivePersistent() {
		t.Fatal("-single should imply persistent=false")
	}
	if !single.effectiveAttached() {
		t.Fatal("-single should imply attached=true")
	}

	detached := baseConfig()
	detached.detach = true
	if detached.effectiveAttached() {
		t.Fatal("-detach should force attached=false")
	}

	plain := baseConfig()
	if plain.effectivePersistent() {
		t.Fatal("default persistent should be false")
	}
	if !plain.effectiveAttached() {
		t.Fatal("default attached should be true")
	}
}
