//go:build !real_waku

package waku

import "log/slog"

func newGoWakuBackend(*slog.Logger) goWakuBackend {
	return nil
}
