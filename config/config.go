// Package config defines the file format for configuring a slicewise process.
package config

import (
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/slicewise/slicewise/ml/inference"
	"github.com/slicewise/slicewise/slicer"
)

// DefaultBindAddress is the default server listen address.
const DefaultBindAddress = ":8080"

// A Config describes the configuration of a slicewise process.
type Config struct {
	Model  ModelConfig    `json:"model"`
	Slicer slicer.Options `json:"slicer"`
	Server ServerConfig   `json:"server"`

	Debug bool `json:"-"`

	ConfigFilePath string `json:"-"`
}

// Ensure ensures all parts of the config are valid.
func (c *Config) Ensure() error {
	if err := c.Model.Validate("model"); err != nil {
		return err
	}
	if err := c.Slicer.Validate("slicer"); err != nil {
		return err
	}
	if err := c.Server.Validate("server"); err != nil {
		return err
	}
	return nil
}

// ModelConfig describes the model to load and how many copies of it to hold.
type ModelConfig struct {
	inference.Config

	// PoolSize is how many copies of the model load for parallel inference. Non
	// positive picks the inference package default.
	PoolSize int `json:"pool_size"`
}

// Validate ensures all parts of the config are valid.
func (c *ModelConfig) Validate(path string) error {
	if c.Runtime == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "runtime")
	}
	if c.Path == "" && c.Runtime != inference.RuntimeFake {
		return goutils.NewConfigValidationFieldRequiredError(path, "path")
	}
	if c.NumThreads < 0 {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("num_threads cannot be negative, got %d", c.NumThreads))
	}
	if c.PoolSize < 0 {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("pool_size cannot be negative, got %d", c.PoolSize))
	}
	return nil
}

// ServerConfig describes the HTTP serving surface.
type ServerConfig struct {
	// BindAddress is the host:port the server listens on. Empty picks
	// DefaultBindAddress.
	BindAddress string `json:"bind_address"`
}

// Validate ensures all parts of the config are valid.
func (c *ServerConfig) Validate(path string) error {
	if c.BindAddress == "" {
		c.BindAddress = DefaultBindAddress
	}
	return nil
}
