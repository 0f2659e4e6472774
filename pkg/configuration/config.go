/*
   Copyright @ 2024 the proxmox-shared-lvm-csi-plugin authors.

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

// Package configuration loads and hot-reloads the driver configuration
// file. Credentials and cluster endpoints live here, never on the command
// line.
package configuration

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	pvecsi "github.com/adi/proxmox-shared-lvm-csi-plugin"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/utils/log"
)

// DefaultConfigFile is where the deployment mounts the config.
const DefaultConfigFile = "/etc/proxmox-csi/config.yaml"

// tokenIDRegexp matches the user@realm!tokenname form of an API token id.
var tokenIDRegexp = regexp.MustCompile(`^[^@!]+@[^@!]+![^@!]+$`)

// Cluster is one Proxmox VE cluster the driver can provision on. Name doubles
// as the topology region label.
type Cluster struct {
	Name        string `mapstructure:"name"`
	URL         string `mapstructure:"url"`
	TokenID     string `mapstructure:"tokenId"`
	TokenSecret string `mapstructure:"tokenSecret"`
	Insecure    bool   `mapstructure:"insecure"`
}

// Config is the full driver configuration.
type Config struct {
	Clusters    []Cluster `mapstructure:"clusters"`
	HoldingVMID int       `mapstructure:"holdingVmId"`
	// Pools are scraped by the metrics exporter.
	Pools []string `mapstructure:"pools"`
}

// Cluster returns the cluster with the given name, or the first configured
// cluster when name is empty.
func (c *Config) Cluster(name string) (*Cluster, error) {
	if name == "" {
		return &c.Clusters[0], nil
	}
	for i := range c.Clusters {
		if c.Clusters[i].Name == name {
			return &c.Clusters[i], nil
		}
	}
	return nil, fmt.Errorf("cluster %q is not configured", name)
}

// Loader reads the config file and notifies listeners on change.
type Loader struct {
	v *viper.Viper

	mu        sync.Mutex
	current   Config
	listeners []chan<- struct{}
}

var decodeOpt = viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
	mapstructure.StringToTimeDurationHookFunc(),
	mapstructure.StringToSliceHookFunc(","),
))

// Load reads and validates the configuration file.
func Load(path string) (*Loader, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType(strings.TrimPrefix(filepath.Ext(path), "."))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}

	l := &Loader{v: v}
	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.current = *cfg
	return l, nil
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg, decodeOpt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if cfg.HoldingVMID == 0 {
		cfg.HoldingVMID = pvecsi.HoldingVMID
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Config returns the current configuration snapshot.
func (l *Loader) Config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// RegisterListenerChan adds a channel notified after each successful reload.
func (l *Loader) RegisterListenerChan(c chan<- struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, c)
}

// Watch reloads on file change. A change that fails validation is ignored
// and the previous configuration stays in effect.
func (l *Loader) Watch() {
	l.v.WatchConfig()
	l.v.OnConfigChange(func(event fsnotify.Event) {
		log.Infof("detected config change: %s", event.String())
		cfg, err := l.decode()
		if err != nil {
			log.Errorf("ignoring config change: %s", err)
			return
		}

		l.mu.Lock()
		l.current = *cfg
		listeners := l.listeners
		l.mu.Unlock()

		for _, c := range listeners {
			c <- struct{}{}
		}
	})
}

func validate(cfg *Config) error {
	if len(cfg.Clusters) == 0 {
		return errors.New("at least one cluster must be configured")
	}

	seen := make(map[string]bool, len(cfg.Clusters))
	for _, cluster := range cfg.Clusters {
		if cluster.Name == "" {
			return errors.New("cluster name should not be empty")
		}
		if seen[cluster.Name] {
			return fmt.Errorf("duplicate cluster name: %s", cluster.Name)
		}
		seen[cluster.Name] = true

		if cluster.URL == "" {
			return fmt.Errorf("cluster %s: url should not be empty", cluster.Name)
		}
		if !tokenIDRegexp.MatchString(cluster.TokenID) {
			return fmt.Errorf("cluster %s: tokenId must be of the form user@realm!tokenname", cluster.Name)
		}
		if cluster.TokenSecret == "" {
			return fmt.Errorf("cluster %s: tokenSecret should not be empty", cluster.Name)
		}
	}

	if cfg.HoldingVMID < 100 {
		return fmt.Errorf("holdingVmId %d is below the guest id range", cfg.HoldingVMID)
	}
	return nil
}
