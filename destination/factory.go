package destination

import (
	"encoding/json"
	"fmt"
)

// Config is the JSON-tagged shape stored in metadata.Destination's
// ConfigJSON column; fields are interpreted per Kind.
type Config struct {
	Kind Kind `json:"kind"`

	// local
	Root string `json:"root,omitempty"`

	// sftp
	Addr     string `json:"addr,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
	BaseDir  string `json:"baseDir,omitempty"`

	// smb
	Server string `json:"server,omitempty"`
	Share  string `json:"share,omitempty"`

	// webdav
	BaseURL string `json:"baseUrl,omitempty"`

	// shelled_multi_cloud
	Command    string `json:"command,omitempty"`
	RemoteSpec string `json:"remoteSpec,omitempty"`
}

// New builds the concrete Destination described by configJSON.
func New(configJSON string) (Destination, error) {
	var cfg Config
	if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
		return nil, fmt.Errorf("parse destination config: %w", err)
	}
	// Local disk is never wrapped in the retry policy; every remote
	// transport is, so a flaky network hop gets the engine's standard
	// 3-attempt exponential backoff without each backend reimplementing it.
	switch cfg.Kind {
	case KindLocal:
		return NewLocal(cfg.Root), nil
	case KindSFTP:
		return withRetryPolicy(NewSFTP(cfg.Addr, cfg.User, cfg.Password, cfg.BaseDir), DefaultRetryPolicy), nil
	case KindSMB:
		return withRetryPolicy(NewSMB(cfg.Root, cfg.Server, cfg.Share), DefaultRetryPolicy), nil
	case KindWebDAV:
		return withRetryPolicy(NewWebDAV(cfg.BaseURL, cfg.User, cfg.Password), DefaultRetryPolicy), nil
	case KindShelledMultiCloud:
		return withRetryPolicy(NewShelledMultiCloud(cfg.Command, cfg.RemoteSpec), DefaultRetryPolicy), nil
	default:
		return nil, fmt.Errorf("unknown destination kind %q", cfg.Kind)
	}
}
