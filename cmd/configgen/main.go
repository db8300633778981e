package main

import (
	"flag"
	"log"

	"github.com/danmuck/pnclient/internal/config"
)

const defaultPath = "cmd/pnclient/config.toml"

func main() {
	kind := flag.String("kind", "client", "config kind: client|dev")
	output := flag.String("output", defaultPath, "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", defaultPath, "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		cfg, err := config.LoadClientConfig(*input)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated config at %s (server %s:%d)", *input, cfg.XMPP.Host, cfg.XMPP.Port)
		return
	}

	if err := config.WriteTemplate(*output, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, *output)
}
