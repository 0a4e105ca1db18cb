package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/stealthrocket/sockshim/internal/hostnet"
	"gopkg.in/yaml.v3"
)

const configUsage = `
Usage:	sockshim config [options]

Options:
   -c, --config path    Path to the sockshim configuration file (overrides SOCKSHIMCONFIG)
       --edit           Open $EDITOR to edit the configuration
   -h, --help           Show usage information
   -o, --output format  Output format, one of: text, json, yaml
`

// configuration mirrors the on-disk yaml layout. Absent fields take the
// defaults of defaultConfiguration.
type configuration struct {
	Network struct {
		Backend backend `yaml:"backend,omitempty" json:"backend,omitempty"`
		IPv4    string  `yaml:"ipv4,omitempty" json:"ipv4,omitempty"`
		IPv6    string  `yaml:"ipv6,omitempty" json:"ipv6,omitempty"`
	} `yaml:"network,omitempty" json:"network,omitempty"`
	Listen []string `yaml:"listen,omitempty" json:"listen,omitempty"`
	Dial   []string `yaml:"dial,omitempty" json:"dial,omitempty"`
}

func defaultConfiguration() *configuration {
	c := new(configuration)
	c.Network.Backend = "virtual"
	c.Network.IPv4 = "192.168.0.0/24"
	c.Network.IPv6 = "fd00::/64"
	return c
}

type path string

func (p path) String() string {
	return string(p)
}

func (p *path) Set(value string) error {
	*p = path(value)
	return nil
}

func (p path) resolve() (string, error) {
	s := string(p)
	if s == "~" || strings.HasPrefix(s, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		s = filepath.Join(home, strings.TrimPrefix(s, "~"))
	}
	return s, nil
}

var configPath path = "~/.config/sockshim/config.yaml"

// openConfig locates the configuration file, preferring the -c flag, then the
// SOCKSHIMCONFIG environment variable, then the default location. A missing
// file yields the default configuration rather than an error.
func openConfig() (io.ReadCloser, string, error) {
	p := configPath
	if env := os.Getenv("SOCKSHIMCONFIG"); env != "" && p == "~/.config/sockshim/config.yaml" {
		p = path(env)
	}
	resolved, err := p.resolve()
	if err != nil {
		return nil, "", err
	}
	f, err := os.Open(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			b, _ := yaml.Marshal(defaultConfiguration())
			return io.NopCloser(bytes.NewReader(b)), resolved, nil
		}
		return nil, resolved, err
	}
	return f, resolved, nil
}

func readConfig(r io.Reader) (*configuration, error) {
	c := defaultConfiguration()
	d := yaml.NewDecoder(r)
	d.KnownFields(true)
	if err := d.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return c, nil
}

func loadConfig() (*configuration, error) {
	r, _, err := openConfig()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return readConfig(r)
}

// createSystem constructs the host boundary selected by the configuration,
// merging the listen and dial permissions given on the command line with
// those of the configuration file.
func (c *configuration) createSystem(listens, dials []string) (hostnet.System, error) {
	switch c.Network.Backend {
	case "host":
		return hostnet.NewHostSystem(), nil
	case "virtual", "":
	default:
		return nil, fmt.Errorf("invalid network backend %q", c.Network.Backend)
	}

	_, ipnet4, err := net.ParseCIDR(c.Network.IPv4)
	if err != nil {
		return nil, fmt.Errorf("invalid ipv4 network %q: %w", c.Network.IPv4, err)
	}
	_, ipnet6, err := net.ParseCIDR(c.Network.IPv6)
	if err != nil {
		return nil, fmt.Errorf("invalid ipv6 network %q: %w", c.Network.IPv6, err)
	}

	listenGrants, err := parseGrants(append(append([]string{}, c.Listen...), listens...))
	if err != nil {
		return nil, err
	}
	dialGrants, err := parseGrants(append(append([]string{}, c.Dial...), dials...))
	if err != nil {
		return nil, err
	}

	var opts []hostnet.VirtualOption
	if len(listenGrants) > 0 {
		opts = append(opts, hostnet.WithListenGrants(listenGrants...))
	}
	if len(dialGrants) > 0 {
		opts = append(opts, hostnet.WithDialGrants(dialGrants...))
	}
	return hostnet.NewVirtualNetwork(ipnet4, ipnet6).CreateSystem(opts...)
}

func parseGrants(specs []string) ([]hostnet.Grant, error) {
	grants := make([]hostnet.Grant, 0, len(specs))
	for _, spec := range specs {
		g, err := hostnet.ParseGrant(spec)
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, nil
}

func config(ctx context.Context, args []string) error {
	var (
		edit   bool
		output = outputFormat("text")
	)

	flagSet := newFlagSet("sockshim config", configUsage)
	boolVar(flagSet, &edit, "edit")
	customVar(flagSet, &output, "o", "output")
	parseFlags(flagSet, args)

	r, resolved, err := openConfig()
	if err != nil {
		return err
	}
	defer r.Close()

	if edit {
		editor := os.Getenv("EDITOR")
		if editor == "" {
			return errors.New(`$EDITOR is not set`)
		}
		shell := os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/sh"
		}

		if err := os.MkdirAll(filepath.Dir(resolved), 0777); err != nil {
			if !errors.Is(err, fs.ErrExist) {
				return err
			}
		}

		tmp, err := createTempFile(resolved, r)
		if err != nil {
			return err
		}
		defer os.Remove(tmp)

		p, err := os.StartProcess(shell, []string{shell, "-c", editor + " " + tmp}, &os.ProcAttr{
			Files: []*os.File{
				0: os.Stdin,
				1: os.Stdout,
				2: os.Stderr,
			},
		})
		if err != nil {
			return err
		}
		if _, err := p.Wait(); err != nil {
			return err
		}
		f, err := os.Open(tmp)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := readConfig(f); err != nil {
			return fmt.Errorf("not applying configuration updates because the file has a syntax error: %w", err)
		}
		if err := os.Rename(tmp, resolved); err != nil {
			return err
		}
	}

	c, err := loadConfig()
	if err != nil {
		return err
	}

	w := io.Writer(os.Stdout)
	switch output {
	case "json":
		e := json.NewEncoder(w)
		e.SetEscapeHTML(false)
		e.SetIndent("", "  ")
		_ = e.Encode(c)
	case "yaml":
		e := yaml.NewEncoder(w)
		e.SetIndent(2)
		_ = e.Encode(c)
		_ = e.Close()
	default:
		r, _, err := openConfig()
		if err != nil {
			return err
		}
		defer r.Close()
		_, _ = io.Copy(w, r)
	}
	return nil
}

func createTempFile(path string, r io.Reader) (string, error) {
	dir, file := filepath.Split(path)
	w, err := os.CreateTemp(dir, "."+file+".*")
	if err != nil {
		return "", err
	}
	defer w.Close()
	_, err = io.Copy(w, r)
	return w.Name(), err
}
