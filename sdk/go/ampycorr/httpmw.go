package ampycorr

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// HTTPServerMiddleware resolves each inbound request's OperationContext,
// makes it available to handlers through the request context, and emits one
// request record when the handler returns.
func HTTPServerMiddleware(hdl *Handle) func(next http.Handler) http.Handler {
	if hdl == nil {
		panic(ErrMissingArgument)
	}
	rt := &requestTracking{
		resolver: hdl.Resolver,
		channel:  hdl.channel,
		cids:     hdl.CorrelationIDs,
		ikey:     hdl.cfg.InstrumentationKey,
		logger:   hdl.Logger,
		now:      time.Now,
	}
	return rt.middleware
}

type requestTracking struct {
	resolver *TraceContextResolver
	channel  TelemetryChannel
	cids     *CorrelationIDCache
	ikey     string
	logger   Logger
	now      func() time.Time
}

func (rt *requestTracking) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		oc, err := rt.resolver.ResolveRequest(r)
		if err != nil {
			rt.logger.Error(r.Context(), "trace context resolution failed", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		ctx := WithOperation(r.Context(), oc)

		localID, haveLocalID := rt.cids.TryGet(rt.ikey)
		if haveLocalID {
			SetKeyValue(w.Header(), HeaderRequestContext, RequestContextAppIDKey, localID)
		}

		rec := Record{
			Kind:         KindRequest,
			ID:           oc.RequestID,
			Name:         r.Method + " " + r.URL.Path,
			Data:         r.URL.String(),
			StartTime:    rt.now(),
			OperationID:  oc.ID,
			ParentID:     oc.ParentID,
			LegacyRootID: oc.LegacyRootID,
		}
		if source, ok := GetKeyValue(r.Header, HeaderRequestContext, RequestContextAppIDKey); ok && source != "" {
			if !haveLocalID || source != localID {
				rec.Source = source
			}
		}

		ww := &respWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			p := recover()
			if p != nil {
				ww.status = http.StatusInternalServerError
			}
			rt.finish(ww, rec, oc)
			if p != nil {
				panic(p)
			}
		}()
		next.ServeHTTP(ww, r.WithContext(ctx))
	})
}

func (rt *requestTracking) finish(ww *respWriter, rec Record, oc *OperationContext) {
	defer func() {
		if r := recover(); r != nil {
			rt.logger.Error(context.Background(), "request tracking panicked", zap.Any("panic", r))
		}
	}()

	rec.Duration = rt.now().Sub(rec.StartTime)
	rec.ResultCode = strconv.Itoa(ww.status)
	rec.Success = ww.status > 0 && ww.status < 400
	if items := oc.Baggage.Items(); len(items) > 0 {
		rec.Properties = make(map[string]string, len(items))
		for _, kv := range items {
			rec.Properties[kv.Key] = kv.Value
		}
	}
	rt.channel.Track(rec)
}

type respWriter struct {
	http.ResponseWriter
	status int
}

func (w *respWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *respWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
