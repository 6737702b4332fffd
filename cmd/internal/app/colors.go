package app

import (
	"log/slog"
	"strconv"

	"github.com/gookit/color"
)

// paint renders s in c when on is true. Every color decision in the
// pretty handler funnels through here so plain output stays byte-exact.
func paint(c color.Color, s string, on bool) string {
	if !on {
		return s
	}
	return c.Render(s)
}

func colorizeHTTPMethod(m string, on bool) string {
	switch m {
	case "GET":
		return paint(color.Blue, m, on)
	case "POST":
		return paint(color.Green, m, on)
	case "PUT", "PATCH":
		return paint(color.Yellow, m, on)
	case "DELETE":
		return paint(color.Red, m, on)
	default:
		return m
	}
}

func colorizeStatusCode(code int, on bool) string {
	s := strconv.Itoa(code)
	switch {
	case code >= 500:
		return paint(color.Red, s, on)
	case code >= 400:
		return paint(color.Yellow, s, on)
	case code >= 300:
		return paint(color.Cyan, s, on)
	default:
		return paint(color.Green, s, on)
	}
}

func colorizeStatusClass(class string, on bool) string {
	switch class {
	case "5xx":
		return paint(color.Red, class, on)
	case "4xx":
		return paint(color.Yellow, class, on)
	case "3xx":
		return paint(color.Cyan, class, on)
	case "2xx":
		return paint(color.Green, class, on)
	default:
		return class
	}
}

func colorizeDurationMS(ms int64, on bool) string {
	s := strconv.FormatInt(ms, 10)
	switch {
	case ms >= 1000:
		return paint(color.Red, s, on)
	case ms >= 250:
		return paint(color.Yellow, s, on)
	default:
		return paint(color.Green, s, on)
	}
}

func colorizeResult(result string, on bool) string {
	switch result {
	case "server_error":
		return paint(color.Red, result, on)
	case "client_error":
		return paint(color.Yellow, result, on)
	case "redirect":
		return paint(color.Cyan, result, on)
	case "success":
		return paint(color.Green, result, on)
	default:
		return result
	}
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		u := v.Uint64()
		if u > 1<<62 {
			return 0, false
		}
		return int64(u), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	default:
		return 0, false
	}
}
