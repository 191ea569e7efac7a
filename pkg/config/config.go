/*
Copyright 2019 The Machine Controller Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config is process configuration (C11): flags plus
// environment variables, validated once at startup. machine-controller
// never reaches for a config framework (cmd/machine-controller/main.go is
// flag.StringVar plus package-level vars); a flat flag+os.Getenv pair
// matches that scale.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// Config is every tunable the engine reads at startup. WorkerCount and the
// five timeout fields are parsed (and WorkerCount validated) but no
// component reads them: services are dispatched one at a time, and each
// wait uses a constant of the package that owns it.
type Config struct {
	KubeconfigPath   string
	ListenAddress    string
	WorkerCount      int
	WorkspaceRootDir string
	LibRootDir       string

	AWSAccessKeyID     string
	AWSSecretAccessKey string
	ScalewayAccessKey  string
	ScalewaySecretKey  string
	ScalewayProjectID  string
	GCPCredentialsJSON string
	AzureClientID      string
	AzureClientSecret  string
	AzureTenantID      string
	AzureSubscription  string

	VaultAddr        string
	VaultToken       string
	VaultRoleID      string
	VaultSecretID    string

	HelmTimeout           time.Duration
	ImageMirrorTimeout    time.Duration
	RestartTimeout        time.Duration
	PauseTimeout          time.Duration
	ArchiveUploadTimeout  time.Duration
}

// Parse registers flags against fs, parses args, overlays environment
// variables and validates the result. fs/args let tests
// call Parse without touching flag.CommandLine.
func Parse(fs *flag.FlagSet, args []string) (*Config, error) {
	c := &Config{}

	fs.StringVar(&c.KubeconfigPath, "kubeconfig", "", "Path to a kubeconfig. Only required if out-of-cluster.")
	fs.StringVar(&c.ListenAddress, "listen-address", ":8085", "Address to expose metrics and health on.")
	fs.IntVar(&c.WorkerCount, "worker-count", 4, "Number of concurrent service deployers per request.")

	var helmTimeout, mirrorTimeout, restartTimeout, pauseTimeout, archiveTimeout time.Duration
	fs.DurationVar(&helmTimeout, "helm-timeout", 5*time.Minute, "Default helm release startup timeout.")
	fs.DurationVar(&mirrorTimeout, "image-mirror-timeout", 30*time.Minute, "Hard timeout for one image mirror.")
	fs.DurationVar(&restartTimeout, "restart-timeout", 10*time.Minute, "Hard timeout for a rolling restart wait.")
	fs.DurationVar(&pauseTimeout, "pause-timeout", 5*time.Minute, "Hard timeout for a pause wait.")
	fs.DurationVar(&archiveTimeout, "archive-upload-timeout", 5*time.Minute, "Total timeout for the workspace archive upload.")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	c.HelmTimeout = helmTimeout
	c.ImageMirrorTimeout = mirrorTimeout
	c.RestartTimeout = restartTimeout
	c.PauseTimeout = pauseTimeout
	c.ArchiveUploadTimeout = archiveTimeout

	c.WorkspaceRootDir = envOrDefault("WORKSPACE_ROOT_DIR", "/tmp")
	c.LibRootDir = os.Getenv("LIB_ROOT_DIR")

	c.AWSAccessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
	c.AWSSecretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	c.ScalewayAccessKey = os.Getenv("SCW_ACCESS_KEY")
	c.ScalewaySecretKey = os.Getenv("SCW_SECRET_KEY")
	c.ScalewayProjectID = os.Getenv("SCW_DEFAULT_PROJECT_ID")
	c.GCPCredentialsJSON = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON")
	c.AzureClientID = os.Getenv("AZURE_CLIENT_ID")
	c.AzureClientSecret = os.Getenv("AZURE_CLIENT_SECRET")
	c.AzureTenantID = os.Getenv("AZURE_TENANT_ID")
	c.AzureSubscription = os.Getenv("AZURE_SUBSCRIPTION_ID")

	c.VaultAddr = os.Getenv("VAULT_ADDR")
	c.VaultToken = os.Getenv("VAULT_TOKEN")
	c.VaultRoleID = os.Getenv("VAULT_ROLE_ID")
	c.VaultSecretID = os.Getenv("VAULT_SECRET_ID")

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (c *Config) validate() error {
	if c.VaultAddr != "" && c.VaultToken == "" && (c.VaultRoleID == "" || c.VaultSecretID == "") {
		return fmt.Errorf("VAULT_ADDR set but neither VAULT_TOKEN nor VAULT_ROLE_ID/VAULT_SECRET_ID provided")
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("worker-count must be positive, got %d", c.WorkerCount)
	}
	return nil
}
