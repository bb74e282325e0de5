// Command pvkeygen pre-provisions signer identity keystore files offline,
// mirroring the teacher's cmd/bls-zk-setup one-shot tooling convention.
package main

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/proofvault/engine/pkg/keystore"
)

// manifest lists the keystore files to provision in one run. A static file
// is the natural input here, unlike the daemon's env-var configuration:
// this tool runs offline, once, outside any process environment.
type manifest struct {
	Keystores []struct {
		Path string `yaml:"path"`
	} `yaml:"keystores"`
}

func main() {
	manifestPath := flag.String("manifest", "", "path to a YAML manifest listing keystore files to provision")
	singlePath := flag.String("path", "", "provision a single keystore file at this path")
	flag.Parse()

	var paths []string
	switch {
	case *manifestPath != "":
		m, err := loadManifest(*manifestPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "pvkeygen: %v\n", err)
			os.Exit(1)
		}
		for _, k := range m.Keystores {
			paths = append(paths, k.Path)
		}
	case *singlePath != "":
		paths = []string{*singlePath}
	default:
		fmt.Fprintln(os.Stderr, "pvkeygen: one of --manifest or --path is required")
		os.Exit(1)
	}

	for _, path := range paths {
		identity, err := keystore.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "pvkeygen: %s: %v\n", path, err)
			os.Exit(1)
		}
		fmt.Printf("%s: address=%s publicKey=%s\n", path, identity.Address(), identity.PublicKeyHex())
	}
}

func loadManifest(path string) (*manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if len(m.Keystores) == 0 {
		return nil, fmt.Errorf("manifest %s lists no keystores", path)
	}
	return &m, nil
}
