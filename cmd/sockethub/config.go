package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// config is the optional YAML file describing the chat rooms the demo
// serves and who may use them. Flags cover everything else.
//
//	rooms:
//	  lobby: {}
//	  staff:
//	    private: true
//	    members: [alice, carol]
//	    readers: [bob]
type config struct {
	Rooms map[string]roomConfig `yaml:"rooms"`
}

type roomConfig struct {
	// Private rooms deny everyone not listed below. Public rooms allow
	// anyone.
	Private bool `yaml:"private"`

	// Members may read and publish; readers may only read.
	Members []string `yaml:"members"`
	Readers []string `yaml:"readers"`
}

func loadConfig(path string) (*config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

func defaultConfig() *config {
	return &config{Rooms: map[string]roomConfig{"lobby": {}}}
}
