package saddle

import (
	"bytes"
	"runtime/debug"
	"strings"

	"github.com/inconshreveable/log15"
)

// lifecycleKey marks a log record as an arbiter lifecycle transition.
const lifecycleKey = "lifecycle"

var bannerRule = strings.Repeat("-", 78) + "\n"

func discardLogger() log15.Logger {
	l := log15.New()
	l.SetHandler(log15.DiscardHandler())
	return l
}

// lifecycle logs an arbiter lifecycle transition. With BannerFormat these
// stand out between horizontal rules in the supervised process's output.
func lifecycle(l log15.Logger, msg string, ctx ...interface{}) {
	l.Info(msg, append(ctx, lifecycleKey, true)...)
}

// BannerFormat wraps inner so that lifecycle records are framed by
// horizontal rules. Other records are formatted by inner unchanged.
func BannerFormat(inner log15.Format) log15.Format {
	return log15.FormatFunc(func(r *log15.Record) []byte {
		ctx, ok := stripLifecycle(r.Ctx)
		if !ok {
			return inner.Format(r)
		}
		rec := *r
		rec.Ctx = ctx

		var buf bytes.Buffer
		buf.WriteString(bannerRule)
		buf.Write(inner.Format(&rec))
		buf.WriteString(bannerRule)
		return buf.Bytes()
	})
}

func stripLifecycle(ctx []interface{}) ([]interface{}, bool) {
	for i := 0; i+1 < len(ctx); i += 2 {
		if key, ok := ctx[i].(string); ok && key == lifecycleKey {
			stripped := make([]interface{}, 0, len(ctx)-2)
			stripped = append(stripped, ctx[:i]...)
			return append(stripped, ctx[i+2:]...), true
		}
	}
	return ctx, false
}

// guard runs fn and turns a panic into a logged error. Everything run on
// behalf of a signal goes through guard, a panic there must not take the
// supervisor down while arbiters are still alive.
func guard(l log15.Logger, name string, fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			l.Error("uncaught panic", "handler", name, "panic", r, "stack", string(debug.Stack()))
			panicked = true
		}
	}()
	fn()
	return false
}
