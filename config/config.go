// Package config resolves the proxy's settings from command-line flags and
// an optional YAML file, flags taking precedence over file values.
package config

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// defaultBufferSize is the per-direction relay buffer size, one readv's
// worth of payload on a typical connection.
const defaultBufferSize = 64 * 1024

// minBufferSize is the smallest buffer size the proxy will accept; smaller
// values make no sense against a SOCKS5 header plus a useful payload chunk.
const minBufferSize = 4 * 1024

const defaultPort = 1080

// file is the subset of settings that may come from a YAML config file.
// Flags that were explicitly set on the command line always win over these.
type file struct {
	Port       int  `yaml:"port"`
	BufferSize int  `yaml:"buffer_size"`
	Vsock      bool `yaml:"vsock"`
}

// Config is the fully resolved set of settings the proxy runs with.
type Config struct {
	Port       uint32
	BufferSize int
	Vsock      bool
}

// Load parses args (normally os.Args[1:]) and, if a config file is named by
// --config, layers its values underneath the flags: a flag the caller
// actually set on the command line always overrides the file.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("vsock-socks5-proxy", flag.ContinueOnError)

	port := fs.Int("port", defaultPort, "listener port")
	bufferSize := fs.Int("buffer-size", defaultBufferSize, "relay buffer size in bytes, per direction")
	vsock := fs.Bool("vsock", false, "listen on a VM socket (AF_VSOCK) instead of plain TCP")
	configPath := fs.String("config", "", "optional YAML config file; flags override its values")
	testConfig := fs.Bool("t", false, "validate configuration and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:       uint32(*port),
		BufferSize: *bufferSize,
		Vsock:      *vsock,
	}

	if *configPath != "" {
		f, err := loadFile(*configPath)
		if err != nil {
			if *testConfig {
				fmt.Fprintf(os.Stderr, "configuration test FAILED: %v\n", err)
				os.Exit(1)
			}
			return nil, err
		}
		applyFile(cfg, f, fs)
	}

	if cfg.BufferSize < minBufferSize {
		cfg.BufferSize = minBufferSize
	}

	if *testConfig {
		fmt.Printf("configuration OK\n")
		fmt.Printf("  port:        %d\n", cfg.Port)
		fmt.Printf("  buffer_size: %d\n", cfg.BufferSize)
		fmt.Printf("  vsock:       %v\n", cfg.Vsock)
		os.Exit(0)
	}

	return cfg, nil
}

func loadFile(path string) (*file, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &f, nil
}

// applyFile layers file values under cfg, skipping any field whose flag was
// explicitly set on the command line.
func applyFile(cfg *Config, f *file, fs *flag.FlagSet) {
	set := make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) { set[fl.Name] = true })

	if !set["port"] && f.Port != 0 {
		cfg.Port = uint32(f.Port)
	}
	if !set["buffer-size"] && f.BufferSize != 0 {
		cfg.BufferSize = f.BufferSize
	}
	if !set["vsock"] && f.Vsock {
		cfg.Vsock = f.Vsock
	}
}
