package attacker

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ruletap/ruletap/internal/flow"
	"github.com/ruletap/ruletap/internal/helper"
	"github.com/ruletap/ruletap/internal/proxycontext"
	"github.com/ruletap/ruletap/rule"
)

const (
	certPathPrefix = "/mitm/cert"
	certHostMarker = "cert.mitm"
)

// Attack runs RequestPipeline end to end: the certificate download
// shortcut, header normalization, pre-evaluation rule actions, upstream
// dispatch, response normalization, post-evaluation rule actions, and CORS
// header injection.
func (a *Attacker) Attack(res http.ResponseWriter, req *http.Request) {
	logger := slog.With("component", "attacker.attack", "url", req.URL.String(), "method", req.Method)
	start := time.Now()

	checked := helper.NewResponseCheck(res).(*helper.ResponseCheck)
	res = checked

	defer func() {
		if r := recover(); r != nil {
			logger.Warn("recovered from panic while attacking flow", "panic", r)
			if !checked.Wrote {
				checked.ResponseWriter.WriteHeader(http.StatusBadGateway)
			}
		}
	}()

	if a.serveCertEndpoint(res, req) {
		return
	}

	connCtx, ok := proxycontext.GetConnContext(req.Context())
	if !ok {
		http.Error(res, "missing connection context", http.StatusInternalServerError)
		return
	}

	f := flow.NewFlow(connCtx, req)
	defer f.Finish()
	connCtx.FlowCount.Add(1)

	if a.metrics != nil {
		defer func() {
			a.metrics.FlowDuration.Observe(time.Since(start).Seconds())
			stream := "buffered"
			if f.Stream {
				stream = "streamed"
			}
			a.metrics.FlowsTotal.WithLabelValues(stream).Inc()
		}()
	}

	req.Header.Del("Host")
	req.Header.Del("Accept-Encoding")
	f.Request.Header.Del("Host")
	f.Request.Header.Del("Accept-Encoding")

	rawHost, rawScheme := f.Request.URL.Host, f.Request.URL.Scheme

	deferred, pendingRequestBody, shortCircuited := a.applyPreEvaluation(res, f, logger)
	if shortCircuited {
		return
	}

	reqBody, ok := a.readRequestBody(f, req, logger)
	if !ok {
		res.WriteHeader(http.StatusBadGateway)
		return
	}

	if !f.Stream {
		if len(pendingRequestBody) > 0 {
			originalEncoding := f.Request.Header.Get("Content-Encoding")
			if err := f.Request.ReplaceToDecodedBody(); err == nil {
				for _, m := range pendingRequestBody {
					f.Request.Body = m.ApplyBody(f.Request.Body)
				}
				if err := f.Request.ReplaceToEncodedBody(originalEncoding); err != nil {
					logger.Error("failed to re-encode request body", "error", err)
				}
			}
		}
		reqBody = bytes.NewReader(f.Request.Body)
	}

	proxyRes, err := a.executeProxyRequest(f, req, reqBody, rawHost, rawScheme, res, logger)
	if err != nil {
		return
	}

	if proxyRes.StatusCode == http.StatusSwitchingProtocols {
		a.handleSwitchingProtocols(res, req, proxyRes, logger)
		return
	}
	defer proxyRes.Body.Close()

	if proxyRes.Close {
		connCtx.CloseAfterResponse = true
	}

	f.Response = &flow.Response{
		StatusCode: proxyRes.StatusCode,
		Header:     proxyRes.Header.Clone(),
		Close:      proxyRes.Close,
	}
	f.Response.Header.Del("Strict-Transport-Security")

	resBody, ok := a.readResponseBody(f, proxyRes, logger)
	if !ok {
		res.WriteHeader(http.StatusBadGateway)
		return
	}

	a.applyPostEvaluation(f, deferred, logger)
	applyCORS(f.Response.Header)

	a.replyToClient(res, f.Response, resBody, logger)
}

// serveCertEndpoint handles the /mitm/cert download shortcut, bypassing the
// rest of the pipeline entirely.
func (a *Attacker) serveCertEndpoint(res http.ResponseWriter, req *http.Request) bool {
	if !strings.HasPrefix(req.URL.Path, certPathPrefix) && !strings.Contains(req.Host, certHostMarker) {
		return false
	}
	res.Header().Set("Content-Type", "application/octet-stream")
	res.Header().Set("Content-Disposition", "attachment; filename=ruletap.crt")
	res.WriteHeader(http.StatusOK)
	_, _ = res.Write(a.ca.GetRootPEM())
	return true
}

// deferredActions carries the post-response rule actions collected during
// pre-evaluation so applyPostEvaluation can apply them once the response
// exists.
type deferredActions struct {
	modifyResponse []*rule.Modify
	logResponse    bool
}

// applyPreEvaluation runs the matched actions that decide before upstream
// dispatch happens. Header-only ModifyRequest actions apply immediately;
// body-touching ones are returned in pendingRequestBody so the caller can
// apply them once the request body has been buffered. Returns (deferred,
// pendingRequestBody, true) if the flow was short-circuited (reject or
// redirect) and res already has a final response written.
func (a *Attacker) applyPreEvaluation(res http.ResponseWriter, f *flow.Flow, logger *slog.Logger) (*deferredActions, []*rule.Modify, bool) {
	deferred := &deferredActions{}
	var pendingRequestBody []*rule.Modify

	actions := a.evaluator.MatchRequest(f.Request.Raw())
	for _, act := range actions {
		if a.metrics != nil {
			a.metrics.RuleActionsTotal.WithLabelValues(string(act.Kind)).Inc()
		}
		switch act.Kind {
		case rule.ActionReject:
			res.WriteHeader(http.StatusBadGateway)
			return deferred, pendingRequestBody, true
		case rule.ActionRedirect:
			res.Header().Set("Location", act.RedirectTo)
			res.WriteHeader(http.StatusFound)
			return deferred, pendingRequestBody, true
		case rule.ActionModifyRequest:
			act.Modify.ApplyHeaders(f.Request.Header)
			f.Request.Raw().Header = f.Request.Header
			if act.Modify.RequiresBody() {
				pendingRequestBody = append(pendingRequestBody, act.Modify)
			}
		case rule.ActionLogRequest:
			logger.Info("rule: logged request", "method", f.Request.Method, "url", f.Request.URL.String())
		case rule.ActionModifyResponse:
			deferred.modifyResponse = append(deferred.modifyResponse, act.Modify)
		case rule.ActionLogResponse:
			deferred.logResponse = true
		case rule.ActionScript:
			// already evaluated for side effects inside evaluator.MatchRequest
		}
	}

	return deferred, pendingRequestBody, false
}

// applyPostEvaluation applies the deferred response-side actions collected
// during pre-evaluation.
func (a *Attacker) applyPostEvaluation(f *flow.Flow, deferred *deferredActions, logger *slog.Logger) {
	var bodyMods []*rule.Modify
	for _, m := range deferred.modifyResponse {
		m.ApplyHeaders(f.Response.Header)
		if m.RequiresBody() {
			bodyMods = append(bodyMods, m)
		}
	}

	if len(bodyMods) > 0 && !f.Stream {
		originalEncoding := f.Response.Header.Get("Content-Encoding")
		if err := f.Response.ReplaceToDecodedBody(); err == nil {
			for _, m := range bodyMods {
				f.Response.Body = m.ApplyBody(f.Response.Body)
			}
			if err := f.Response.ReplaceToEncodedBody(originalEncoding); err != nil {
				logger.Error("failed to re-encode response body", "error", err)
			}
		}
	}

	if deferred.logResponse {
		logger.Info("rule: logged response", "status", f.Response.StatusCode)
	}
}

func applyCORS(header http.Header) {
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set("Access-Control-Allow-Methods", "*")
}

// executeProxyRequest builds and sends the outbound request to the
// upstream, choosing the pinned connection client or the separate-client
// fallback when the rule pipeline redirected the request elsewhere.
func (a *Attacker) executeProxyRequest(f *flow.Flow, req *http.Request, reqBody io.Reader, rawHost, rawScheme string, res http.ResponseWriter, logger *slog.Logger) (*http.Response, error) {
	proxyReqCtx := proxycontext.WithProxyRequest(req.Context(), req)
	proxyReq, err := http.NewRequestWithContext(proxyReqCtx, f.Request.Method, f.Request.URL.String(), reqBody)
	if err != nil {
		logger.Error("failed to build upstream request", "error", err)
		res.WriteHeader(http.StatusBadGateway)
		return nil, err
	}
	for key, values := range f.Request.Header {
		for _, v := range values {
			proxyReq.Header.Add(key, v)
		}
	}

	useSeparateClient := f.UseSeparateClient || rawHost != f.Request.URL.Host || rawScheme != f.Request.URL.Scheme

	if useSeparateClient {
		proxyRes, err := a.client.Do(proxyReq)
		if err != nil {
			logErr(logger, err)
			res.WriteHeader(http.StatusBadGateway)
			return nil, err
		}
		return proxyRes, nil
	}

	if f.ConnContext.ServerConn == nil && f.ConnContext.DialFn != nil {
		if err := f.ConnContext.DialFn(req.Context()); err != nil {
			logger.Error("dial upstream failed", "error", err)
			if strings.Contains(err.Error(), "Proxy Authentication Required") {
				res.Header().Set("Proxy-Authenticate", "Basic")
				res.WriteHeader(http.StatusProxyAuthRequired)
				return nil, err
			}
			res.WriteHeader(http.StatusBadGateway)
			return nil, err
		}
	}

	proxyRes, err := f.ConnContext.ServerConn.Client.Do(proxyReq)
	if err != nil {
		logErr(logger, err)
		res.WriteHeader(http.StatusBadGateway)
		return nil, err
	}
	return proxyRes, nil
}

// readRequestBody buffers the request body up to the streaming threshold;
// larger bodies are streamed through unmodified (rule actions that need a
// body can't apply to a streamed request, matching the core's streaming
// vs. buffering rule).
func (a *Attacker) readRequestBody(f *flow.Flow, req *http.Request, logger *slog.Logger) (io.Reader, bool) {
	if f.Stream {
		return req.Body, true
	}

	buf, rest, err := helper.ReaderToBuffer(req.Body, a.streamLargeBodies)
	if err != nil {
		logger.Error("failed to buffer request body", "error", err)
		return nil, false
	}
	if buf == nil {
		f.Stream = true
		return rest, true
	}

	f.Request.Body = buf
	return nil, true
}

// readResponseBody mirrors readRequestBody for the response side.
func (a *Attacker) readResponseBody(f *flow.Flow, proxyRes *http.Response, logger *slog.Logger) (io.Reader, bool) {
	if f.Stream {
		return proxyRes.Body, true
	}

	buf, rest, err := helper.ReaderToBuffer(proxyRes.Body, a.streamLargeBodies)
	if err != nil {
		logger.Error("failed to buffer response body", "error", err)
		return nil, false
	}
	if buf == nil {
		f.Stream = true
		return rest, true
	}

	f.Response.Body = buf
	return nil, true
}

// replyToClient writes the final response headers, status, and body.
func (*Attacker) replyToClient(res http.ResponseWriter, response *flow.Response, body io.Reader, logger *slog.Logger) {
	for key, values := range response.Header {
		for _, v := range values {
			res.Header().Add(key, v)
		}
	}
	if response.Close {
		res.Header().Add("Connection", "close")
	}
	res.WriteHeader(response.StatusCode)

	if body != nil {
		if _, err := io.Copy(res, body); err != nil {
			logErr(logger, err)
		}
	} else if response.BodyReader != nil {
		if _, err := io.Copy(res, response.BodyReader); err != nil {
			logErr(logger, err)
		}
	} else if len(response.Body) > 0 {
		if _, err := res.Write(response.Body); err != nil {
			logErr(logger, err)
		}
	}

	if flusher, ok := res.(http.Flusher); ok {
		flusher.Flush()
	}
}
