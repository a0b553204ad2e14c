// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package unit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/admission/log"
	"go.opentelemetry.io/otel/trace"
)

type (
	serviceConfig struct {
		Addr    string `json:"addr"`
		Workers int    `json:"workers"`
	}

	service struct {
		config serviceConfig
		run    func(ctx context.Context) error
		ran    bool
	}
)

func (s *service) GetConfiguration() any {
	return &s.config
}

func (s *service) Run(ctx context.Context, _ *log.Logger, r prometheus.Registerer, tp trace.TracerProvider) error {
	s.ran = true
	if r == nil || tp == nil {
		return errors.New("missing telemetry")
	}

	return s.run(ctx)
}

const disabledTelemetry = `
unit:
  metrics:
    addr: ""
  tracing:
    addr: ""
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestUnit_LoadConfiguration(t *testing.T) {
	svc := &service{}
	u := NewUnit(svc, "admissiond", "1.0.0", "test")

	path := writeConfig(t, disabledTelemetry+`
admissiond:
  addr: ":8080"
  workers: 4
`)

	require.NoError(t, u.loadConfigurationFromFile(path))

	assert.Equal(t, "", u.config.Metrics.Addr)
	assert.Equal(t, 1024, u.config.Tracing.MaxBatchSize)
	assert.Equal(t, serviceConfig{Addr: ":8080", Workers: 4}, svc.config)
}

func TestUnit_LoadConfigurationErrors(t *testing.T) {
	u := NewUnit(&service{}, "admissiond", "1.0.0", "test")

	err := u.loadConfigurationFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "cannot read file")

	err = u.loadConfigurationFromFile(writeConfig(t, "admissiond: { workers: many }"))
	assert.ErrorContains(t, err, `cannot decode "admissiond" config section`)
}

func TestUnit_PrintConfiguration(t *testing.T) {
	var out bytes.Buffer

	svc := &service{}
	u := NewUnit(svc, "admissiond", "1.0.0", "test")
	u.stdout = &out

	path := writeConfig(t, "admissiond: { addr: ':9000' }")
	require.NoError(t, u.run(context.Background(), []string{"-cfg-file", path, "-print-cfg"}))

	var printed map[string]map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &printed))
	assert.Equal(t, ":9000", printed["admissiond"]["addr"])
	assert.Contains(t, printed, "unit")
	assert.False(t, svc.ran)
}

func TestUnit_Version(t *testing.T) {
	var out bytes.Buffer

	u := NewUnit(&service{}, "admissiond", "1.2.3", "test")
	u.stdout = &out

	require.NoError(t, u.run(context.Background(), []string{"-version"}))
	assert.Equal(t, "version: 1.2.3\n", out.String())
}

func TestUnit_RunReturnsMainError(t *testing.T) {
	svc := &service{
		run: func(context.Context) error {
			return errors.New("cannot bind")
		},
	}
	u := NewUnit(svc, "admissiond", "1.0.0", "test")

	err := u.run(context.Background(), []string{"-cfg-file", writeConfig(t, disabledTelemetry)})

	assert.EqualError(t, err, "cannot bind")
	assert.True(t, svc.ran)
}

func TestUnit_RunStopsOnCancel(t *testing.T) {
	started := make(chan struct{})
	svc := &service{
		run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	}
	u := NewUnit(svc, "admissiond", "1.0.0", "test")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- u.run(ctx, []string{"-cfg-file", writeConfig(t, disabledTelemetry)})
	}()

	<-started
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("unit did not stop")
	}
}

func TestUnit_InvalidFlag(t *testing.T) {
	u := NewUnit(&service{}, "admissiond", "1.0.0", "test")
	u.stdout = &bytes.Buffer{}

	err := u.run(context.Background(), []string{"-unknown"})
	assert.ErrorContains(t, err, "cannot parse flags")
}
