package config

import (
	"strings"
	"testing"
	"time"
)

func TestParseServerFlagsDefaults(t *testing.T) {
	cfg, err := ParseServerFlags(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.ListenAPI != defaultAPIListen || cfg.ListenO2S != defaultO2SListen || cfg.ListenS2O != defaultS2OListen {
		t.Fatalf("unexpected listen defaults: %+v", cfg)
	}
	if cfg.TLSMode != "self" {
		t.Fatalf("default tls mode = %q", cfg.TLSMode)
	}
	if !cfg.AutoTrust {
		t.Fatal("auto trust must default on")
	}
	if cfg.AdvertiseHost == "" {
		t.Fatal("advertise host must be resolved when unset")
	}
	if cfg.HeartbeatInterval != defaultHeartbeatInterval || cfg.HeartbeatMisses != defaultHeartbeatMisses {
		t.Fatalf("unexpected heartbeat defaults: %+v", cfg)
	}
}

func TestParseServerFlagsTLSModes(t *testing.T) {
	if _, err := ParseServerFlags([]string{"-tls-mode", "auto"}); err == nil || !strings.Contains(err.Error(), "domain") {
		t.Fatalf("auto mode without domain must fail, got %v", err)
	}
	if _, err := ParseServerFlags([]string{"-tls-mode", "static"}); err == nil || !strings.Contains(err.Error(), "tls-cert-file") {
		t.Fatalf("static mode without cert files must fail, got %v", err)
	}
	if _, err := ParseServerFlags([]string{"-tls-mode", "bogus"}); err == nil {
		t.Fatal("unknown tls mode must fail")
	}
	cfg, err := ParseServerFlags([]string{"-tls-mode", "auto", "-domain", "GW.Example.com:8443"})
	if err != nil {
		t.Fatalf("auto with domain: %v", err)
	}
	if cfg.APIDomain != "GW.Example.com:8443" {
		t.Fatalf("domain = %q", cfg.APIDomain)
	}
}

func TestParseServerFlagsEnvOverride(t *testing.T) {
	t.Setenv("IOTGATE_DB_PATH", "/tmp/env.db")
	t.Setenv("IOTGATE_AUTO_TRUST", "false")
	cfg, err := ParseServerFlags(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.DBPath != "/tmp/env.db" {
		t.Fatalf("db path = %q", cfg.DBPath)
	}
	if cfg.AutoTrust {
		t.Fatal("env must disable auto trust")
	}

	// Flags override environment.
	cfg, err = ParseServerFlags([]string{"-db", "/tmp/flag.db"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.DBPath != "/tmp/flag.db" {
		t.Fatalf("db path = %q", cfg.DBPath)
	}
}

func TestParseClientFlags(t *testing.T) {
	if _, err := ParseClientFlags("object", nil); err == nil {
		t.Fatal("missing api url must fail")
	}
	if _, err := ParseClientFlags("object", []string{"-api", "https://x"}); err == nil {
		t.Fatal("missing id must fail")
	}
	if _, err := ParseClientFlags("object", []string{"-api", "https://x", "-id", "o1", "-cert", "c.pem"}); err == nil {
		t.Fatal("cert without key must fail")
	}

	cfg, err := ParseClientFlags("service", []string{"-api", "https://x", "-id", "svc-7", "-user", "usr-1"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Instance != "default" {
		t.Fatalf("instance default = %q", cfg.Instance)
	}
	if cfg.Timeout != 30*time.Second {
		t.Fatalf("timeout = %v", cfg.Timeout)
	}
}
