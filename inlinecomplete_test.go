// inlinecomplete/inlinecomplete_test.go
package inlinecomplete

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Configuration
// ============================================================================

func TestConfig_DefaultsAreValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate(nil))
	assert.Equal(t, 200*time.Millisecond, cfg.Debounce)
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL)
	assert.Equal(t, 100, cfg.CacheCapacity)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
		check   func(*testing.T, Config)
	}{
		{"Empty URL", func(c *Config) { c.OllamaURL = "" }, true, nil},
		{"Bad scheme", func(c *Config) { c.OllamaURL = "ftp://localhost" }, true, nil},
		{"Empty model", func(c *Config) { c.Model = " " }, true, nil},
		{"Temperature out of range", func(c *Config) { c.Temperature = 3 }, true, func(t *testing.T, c Config) {
			assert.Equal(t, defaultTemperature, c.Temperature)
		}},
		{"Bad log level", func(c *Config) { c.LogLevel = "loud" }, true, func(t *testing.T, c Config) {
			assert.Equal(t, defaultLogLevel, c.LogLevel)
		}},
		{"Non-positive values fall back", func(c *Config) {
			c.MaxTokens, c.CacheCapacity, c.CacheTTLSeconds, c.DebounceMS = 0, -1, 0, -5
		}, false, func(t *testing.T, c Config) {
			assert.Equal(t, defaultMaxTokens, c.MaxTokens)
			assert.Equal(t, defaultCacheCapacity, c.CacheCapacity)
			assert.Equal(t, defaultCacheTTLSecs*time.Second, c.CacheTTL)
			assert.Equal(t, defaultDebounceMS*time.Millisecond, c.Debounce)
		}},
		{"Zero debounce allowed", func(c *Config) { c.DebounceMS = 0 }, false, func(t *testing.T, c Config) {
			assert.Zero(t, c.Debounce)
		}},
		{"Nil stop list", func(c *Config) { c.Stop = nil }, false, func(t *testing.T, c Config) {
			assert.Equal(t, getDefaultConfig().Stop, c.Stop)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getDefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate(nil)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestConfig_Merge(t *testing.T) {
	base := getDefaultConfig()
	model := "starcoder2:3b"
	debounce := 50
	stop := []string{"\n"}
	merged := base.Merge(FileConfig{Model: &model, DebounceMS: &debounce, Stop: &stop})

	assert.Equal(t, model, merged.Model)
	assert.Equal(t, debounce, merged.DebounceMS)
	assert.Equal(t, stop, merged.Stop)
	assert.Equal(t, base.OllamaURL, merged.OllamaURL)

	stop[0] = "changed"
	assert.Equal(t, "\n", merged.Stop[0], "merged config does not alias the input")
	assert.Equal(t, defaultModel, base.Model, "base is not modified")
}

// isolateConfigDirs points the config and home directories at temp dirs.
func isolateConfigDirs(t *testing.T) string {
	t.Helper()
	configHome := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configHome)
	t.Setenv("HOME", t.TempDir())
	return filepath.Join(configHome, configDirName, defaultConfigFileName)
}

func TestLoadConfig_WritesDefault(t *testing.T) {
	path := isolateConfigDirs(t)

	cfg, err := LoadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, defaultModel, cfg.Model)

	data, err := os.ReadFile(path)
	require.NoError(t, err, "default config file is written")
	var written Config
	require.NoError(t, json.Unmarshal(data, &written))
	assert.Equal(t, defaultOllamaURL, written.OllamaURL)
	assert.Equal(t, defaultDebounceMS, written.DebounceMS)
}

func TestLoadConfig_FromFile(t *testing.T) {
	path := isolateConfigDirs(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
	require.NoError(t, os.WriteFile(path, []byte(`{"model": "custom-model", "debounce_ms": 50, "stream": false}`), 0640))

	cfg, err := LoadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, "custom-model", cfg.Model)
	assert.Equal(t, 50*time.Millisecond, cfg.Debounce)
	assert.False(t, cfg.Stream)
	assert.Equal(t, defaultOllamaURL, cfg.OllamaURL, "unset keys keep defaults")
}

func TestLoadConfig_ParseErrorLeavesFileUntouched(t *testing.T) {
	path := isolateConfigDirs(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
	broken := []byte(`{"model": `)
	require.NoError(t, os.WriteFile(path, broken, 0640))

	cfg, err := LoadConfig(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfig)
	assert.ErrorIs(t, err, ErrConfigParse)
	assert.Equal(t, defaultModel, cfg.Model)

	data, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, broken, data)
}

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	path := isolateConfigDirs(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
	require.NoError(t, os.WriteFile(path, []byte(`{"model": "from-file"}`), 0640))
	t.Setenv("INLINECOMPLETE_MODEL", "from-env")
	t.Setenv("INLINECOMPLETE_CACHE_CAPACITY", "7")

	cfg, err := LoadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Model)
	assert.Equal(t, 7, cfg.CacheCapacity)
}

func TestLoadAndMergeConfig_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, nil, 0640))

	cfg, loaded, err := LoadAndMergeConfig(path, nil)
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, defaultModel, cfg.Model)
}

func TestResolveConfigPath(t *testing.T) {
	primary := isolateConfigDirs(t)
	got, err := ResolveConfigPath(nil)
	require.NoError(t, err)
	assert.Equal(t, primary, got, "primary location is used before any file exists")

	home := os.Getenv("HOME")
	secondary := filepath.Join(home, ".config", configDirName, defaultConfigFileName)
	require.NoError(t, WriteDefaultConfig(secondary, DefaultConfig(), nil))
	got, err = ResolveConfigPath(nil)
	require.NoError(t, err)
	assert.Equal(t, secondary, got, "an existing file wins")
}

func TestWatchConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"model": "first"}`), 0640))

	changes := make(chan Config, 4)
	require.NoError(t, WatchConfig(path, nil, func(cfg Config) { changes <- cfg }))

	require.NoError(t, os.WriteFile(path, []byte(`{"model": "second", "debounce_ms": 75}`), 0640))
	// A write may surface as several events; wait for the final content.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changes:
			if cfg.Model != "second" {
				continue
			}
			assert.Equal(t, 75*time.Millisecond, cfg.Debounce)
			return
		case <-deadline:
			t.Fatal("config change was not observed")
		}
	}
}

// ============================================================================
// Completer
// ============================================================================

func TestCompleter_UpdateConfig(t *testing.T) {
	c, _ := newTestCompleter(t, testConfig(time.Millisecond), newFakeModel("x"))
	c.completionCache().Set("k", CacheEntry{Completion: "x"})

	same := c.GetCurrentConfig()
	same.Model = "other-model"
	require.NoError(t, c.UpdateConfig(same))
	assert.Equal(t, "other-model", c.GetCurrentConfig().Model)
	assert.Equal(t, 1, c.CacheStats().Size, "cache survives when capacity is unchanged")

	resized := c.GetCurrentConfig()
	resized.CacheCapacity = 3
	require.NoError(t, c.UpdateConfig(resized))
	assert.Equal(t, 3, c.CacheStats().Capacity)
	assert.Zero(t, c.CacheStats().Size)

	invalid := c.GetCurrentConfig()
	invalid.OllamaURL = "not a url"
	err := c.UpdateConfig(invalid)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, "other-model", c.GetCurrentConfig().Model, "invalid update is rejected")
}

func TestCompleter_GetCurrentConfigIsACopy(t *testing.T) {
	c, _ := newTestCompleter(t, testConfig(time.Millisecond), newFakeModel("x"))
	cfg := c.GetCurrentConfig()
	require.NotEmpty(t, cfg.Stop)
	cfg.Stop[0] = "mutated"
	assert.NotEqual(t, "mutated", c.GetCurrentConfig().Stop[0])
}

func TestCompleter_ClearCache(t *testing.T) {
	c, _ := newTestCompleter(t, testConfig(time.Millisecond), newFakeModel("x"))
	c.completionCache().Set("k", CacheEntry{Completion: "x"})
	c.ClearCache()
	assert.Zero(t, c.CacheStats().Size)
}

func TestCompleter_PreviewPrompt(t *testing.T) {
	model := newFakeModel("x")
	c, _ := newTestCompleter(t, testConfig(time.Millisecond), model)
	msgs := c.PreviewPrompt(NewTextDocument("let total = ", "javascript"), Position{Line: 0, Character: 12})
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Content, `"let total = "`)
	assert.Contains(t, msgs[1].Content, cueClauses[cueAfterAssign])
	assert.Zero(t, model.callCount(), "previewing never calls the model")
}

func TestCompleter_UpdateConfigReachesOllamaClient(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig(time.Millisecond)
	cfg.OllamaURL = "http://127.0.0.1:1"
	c, err := NewCompleterWithConfig(cfg, nil)
	require.NoError(t, err)
	defer c.Close()

	updated := c.GetCurrentConfig()
	updated.OllamaURL = srv.URL
	require.NoError(t, c.UpdateConfig(updated))
	require.NoError(t, c.CheckModel(context.Background()))
	assert.Equal(t, int32(1), hits.Load())
}

// ============================================================================
// Ollama client
// ============================================================================

func newTestOllamaClient(url string) *httpOllamaClient {
	cfg := getDefaultConfig()
	cfg.OllamaURL = url
	return newHttpOllamaClient(cfg, nil)
}

func collect(ctx context.Context, client ModelClient, stream bool) (string, error) {
	var sb strings.Builder
	for chunk, err := range client.Generate(ctx, "test-model", []Message{{Role: "user", Content: "hi"}}, stream) {
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(chunk.ContentDelta)
		if chunk.Done {
			break
		}
	}
	return sb.String(), nil
}

func TestOllamaClient_Stream(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		for _, part := range []string{"fmt.", "Println", "(x)"} {
			fmt.Fprintf(w, `{"model":"test-model","message":{"role":"assistant","content":%q},"done":false}`+"\n", part)
		}
		fmt.Fprintln(w, `{"model":"test-model","message":{"role":"assistant","content":""},"done":true}`)
	}))
	defer srv.Close()

	text, err := collect(context.Background(), newTestOllamaClient(srv.URL), true)
	require.NoError(t, err)
	assert.Equal(t, "fmt.Println(x)", text)

	assert.Equal(t, "test-model", got.Model)
	assert.True(t, got.Stream)
	require.Len(t, got.Messages, 1)
	assert.EqualValues(t, defaultMaxTokens, got.Options["num_predict"])
	assert.EqualValues(t, defaultTemperature, got.Options["temperature"])
}

func TestOllamaClient_NonStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"model":"test-model","message":{"role":"assistant","content":"return nil"},"done":true}`)
	}))
	defer srv.Close()

	text, err := collect(context.Background(), newTestOllamaClient(srv.URL), false)
	require.NoError(t, err)
	assert.Equal(t, "return nil", text)
}

func TestOllamaClient_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		stream  bool
		check   func(*testing.T, error)
	}{
		{
			name: "Non-200 status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `{"error":"model 'test-model' not found"}`)
			},
			stream: true,
			check: func(t *testing.T, err error) {
				var ollamaErr *OllamaError
				require.ErrorAs(t, err, &ollamaErr)
				assert.Equal(t, http.StatusNotFound, ollamaErr.Status)
				assert.Contains(t, ollamaErr.Message, "not found")
				assert.ErrorIs(t, err, ErrOllamaUnavailable)
			},
		},
		{
			name: "Error line in stream",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprintln(w, `{"message":{"role":"assistant","content":"a"},"done":false}`)
				fmt.Fprintln(w, `{"error":"out of memory"}`)
			},
			stream: true,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrModelResponse)
			},
		},
		{
			name: "Stream ends without done",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprintln(w, `{"message":{"role":"assistant","content":"a"},"done":false}`)
			},
			stream: true,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrStreamProcessing)
			},
		},
		{
			name: "Error object without streaming",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprintln(w, `{"error":"bad request"}`)
			},
			stream: false,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrModelResponse)
			},
		},
		{
			name: "Malformed body without streaming",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `not json`)
			},
			stream: false,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrStreamProcessing)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			_, err := collect(context.Background(), newTestOllamaClient(srv.URL), tt.stream)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestOllamaClient_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := collect(context.Background(), newTestOllamaClient(url), true)
	assert.ErrorIs(t, err, ErrOllamaUnavailable)
}

func TestOllamaClient_CancelMidStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"partial"},"done":false}`)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var chunks []string
	var finalErr error
	for chunk, err := range newTestOllamaClient(srv.URL).Generate(ctx, "m", nil, true) {
		if err != nil {
			finalErr = err
			break
		}
		chunks = append(chunks, chunk.ContentDelta)
		cancel()
	}
	assert.Equal(t, []string{"partial"}, chunks)
	assert.ErrorIs(t, finalErr, context.Canceled)
}

func TestOllamaClient_CheckAvailability(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()
	client := newTestOllamaClient(srv.URL + "/")

	require.NoError(t, client.CheckAvailability(context.Background()))

	status.Store(http.StatusInternalServerError)
	err := client.CheckAvailability(context.Background())
	assert.ErrorIs(t, err, ErrOllamaUnavailable)
	var ollamaErr *OllamaError
	require.ErrorAs(t, err, &ollamaErr)
	assert.Equal(t, http.StatusInternalServerError, ollamaErr.Status)
}

// ============================================================================
// Position conversion
// ============================================================================

func TestLspPositionToBytePosition(t *testing.T) {
	content := []byte("hello\nwörld 😀 x\n")

	tests := []struct {
		name              string
		pos               LSPPosition
		wantLine, wantCol int
		wantOffset        int
		wantErr           error
	}{
		{"Start of file", LSPPosition{0, 0}, 1, 1, 0, nil},
		{"End of first line", LSPPosition{0, 5}, 1, 6, 5, nil},
		{"Past end of line clamps", LSPPosition{0, 99}, 1, 6, 5, nil},
		{"After two-byte rune", LSPPosition{1, 2}, 2, 4, 9, nil},
		{"Before surrogate pair", LSPPosition{1, 6}, 2, 8, 13, nil},
		{"Inside surrogate pair", LSPPosition{1, 7}, 2, 8, 13, nil},
		{"After surrogate pair", LSPPosition{1, 8}, 2, 12, 17, nil},
		{"Empty line after trailing newline", LSPPosition{2, 0}, 3, 1, 20, nil},
		{"Character on empty last line", LSPPosition{2, 1}, 0, 0, -1, ErrPositionOutOfRange},
		{"Line past end", LSPPosition{5, 0}, 0, 0, -1, ErrPositionOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, col, offset, err := LspPositionToBytePosition(content, tt.pos)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLine, line)
			assert.Equal(t, tt.wantCol, col)
			assert.Equal(t, tt.wantOffset, offset)
		})
	}

	_, _, _, err := LspPositionToBytePosition(nil, LSPPosition{})
	assert.ErrorIs(t, err, ErrPositionConversion)
}

func TestUtf16Conversions(t *testing.T) {
	line := []byte("wörld 😀")

	n, err := Utf16OffsetToBytes(line, 8)
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	_, err = Utf16OffsetToBytes(line, -1)
	assert.ErrorIs(t, err, ErrInvalidPositionInput)

	_, err = Utf16OffsetToBytes(line, 20)
	assert.ErrorIs(t, err, ErrPositionOutOfRange)

	_, err = Utf16OffsetToBytes([]byte{0xff, 'a'}, 1)
	assert.ErrorIs(t, err, ErrInvalidUTF8)

	units, err := BytesToUTF16Offset(line, 11)
	require.NoError(t, err)
	assert.Equal(t, 8, units)

	units, err = BytesToUTF16Offset([]byte("ab"), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, units)

	_, err = BytesToUTF16Offset(line, -1)
	assert.ErrorIs(t, err, ErrInvalidPositionInput)
}

// ============================================================================
// Backoff
// ============================================================================

func TestModelUnavailable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"Unreachable", fmt.Errorf("%w: connection refused", ErrOllamaUnavailable), true},
		{"Service unavailable", &OllamaError{Message: "loading", Status: http.StatusServiceUnavailable}, true},
		{"Rate limited", fmt.Errorf("wrapped: %w", &OllamaError{Message: "busy", Status: http.StatusTooManyRequests}), true},
		{"Model missing", &OllamaError{Message: "not found", Status: http.StatusNotFound}, false},
		{"Cancelled", context.Canceled, false},
		{"Other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, modelUnavailable(tt.err))
		})
	}
}

func TestBackoff(t *testing.T) {
	unavailable := fmt.Errorf("%w: connection refused", ErrOllamaUnavailable)
	b := backoff{attempts: 3, delay: time.Millisecond}

	t.Run("Succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := b.do(context.Background(), nil, func() error {
			calls++
			if calls < 3 {
				return unavailable
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("Gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := b.do(context.Background(), nil, func() error {
			calls++
			return unavailable
		})
		assert.ErrorIs(t, err, ErrOllamaUnavailable)
		assert.Contains(t, err.Error(), "after 3 attempts")
		assert.Equal(t, 3, calls)
	})

	t.Run("Other error stops immediately", func(t *testing.T) {
		calls := 0
		boom := errors.New("boom")
		err := b.do(context.Background(), nil, func() error {
			calls++
			return boom
		})
		assert.Equal(t, boom, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("Cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		calls := 0
		err := b.do(ctx, nil, func() error { calls++; return nil })
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, calls)
	})

	t.Run("Cancelled while waiting", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		slow := backoff{attempts: 3, delay: time.Hour}
		calls := 0
		err := slow.do(ctx, nil, func() error {
			calls++
			cancel()
			return unavailable
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}

// ============================================================================
// Spinner
// ============================================================================

// lockedBuffer lets the test read what the animation goroutine wrote.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSpinner(t *testing.T) {
	t.Run("Draws label and clears on stop", func(t *testing.T) {
		out := &lockedBuffer{}
		s := NewSpinner(out)
		s.Start("Waiting for codellama")
		require.Eventually(t, func() bool {
			return strings.Contains(out.String(), "Waiting for codellama")
		}, 2*time.Second, 10*time.Millisecond)

		s.UpdateMessage("Still waiting")
		require.Eventually(t, func() bool {
			return strings.Contains(out.String(), "Still waiting")
		}, 2*time.Second, 10*time.Millisecond)

		s.Stop()
		assert.True(t, strings.HasSuffix(out.String(), clearLine))
		assert.Contains(t, out.String(), spinnerFrames[0])
	})

	t.Run("Stop is idempotent", func(t *testing.T) {
		out := &lockedBuffer{}
		s := NewSpinner(out)
		s.Stop()
		assert.Empty(t, out.String(), "stopping an idle spinner writes nothing")

		s.Start("x")
		s.Stop()
		written := out.String()
		s.Stop()
		assert.Equal(t, written, out.String())
	})

	t.Run("Restart after stop", func(t *testing.T) {
		out := &lockedBuffer{}
		s := NewSpinner(out)
		s.Start("first")
		s.Stop()
		s.Start("second")
		require.Eventually(t, func() bool {
			return strings.Contains(out.String(), "second")
		}, 2*time.Second, 10*time.Millisecond)
		s.Stop()
	})

	t.Run("Update while idle is ignored", func(t *testing.T) {
		out := &lockedBuffer{}
		s := NewSpinner(out)
		s.UpdateMessage("nobody sees this")
		s.Start("visible")
		require.Eventually(t, func() bool {
			return strings.Contains(out.String(), "visible")
		}, 2*time.Second, 10*time.Millisecond)
		s.Stop()
		assert.NotContains(t, out.String(), "nobody sees this")
	})
}

func TestParseLogLevel(t *testing.T) {
	for _, level := range []string{"debug", "INFO", "warn", "warning", "error", ""} {
		_, err := ParseLogLevel(level)
		assert.NoError(t, err, level)
	}
	_, err := ParseLogLevel("verbose")
	assert.Error(t, err)
}

func TestTextDocument(t *testing.T) {
	doc := NewTextDocument("a\r\nb\n", "go")
	assert.Equal(t, 3, doc.LineCount())
	assert.Equal(t, "a", doc.LineAt(0))
	assert.Equal(t, "", doc.LineAt(2))
	assert.Equal(t, "", doc.LineAt(-1))
	assert.Equal(t, "", doc.LineAt(10))
	assert.Equal(t, "go", doc.LanguageID())
}
