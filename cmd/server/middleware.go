package main

import (
    "compress/gzip"
    "net/http"
    "strings"
    "sync"

    "go.uber.org/zap"
)

type middleware func(http.Handler) http.Handler

// chain wraps h so the first middleware runs closest to h.
func chain(h http.Handler, mws ...middleware) http.Handler {
    for _, mw := range mws { h = mw(h) }
    return h
}

var corsHeaders = map[string]string{
    "Access-Control-Allow-Origin":  "*",
    "Access-Control-Allow-Methods": "GET,POST,DELETE,OPTIONS",
    "Access-Control-Allow-Headers": "Content-Type,Authorization",
}

// jsonAndCORS marks every response as JSON and answers preflight requests.
func jsonAndCORS(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        h := w.Header()
        h.Set("Content-Type", "application/json; charset=utf-8")
        for k, v := range corsHeaders { h.Set(k, v) }
        if r.Method == http.MethodOptions {
            w.WriteHeader(http.StatusNoContent)
            return
        }
        next.ServeHTTP(w, r)
    })
}

var gzipWriters = sync.Pool{New: func() any {
    gz, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
    return gz
}}

type gzipWriter struct {
    http.ResponseWriter
    gz *gzip.Writer
}

func (g *gzipWriter) WriteHeader(status int) {
    g.Header().Del("Content-Length")
    g.ResponseWriter.WriteHeader(status)
}

func (g *gzipWriter) Write(b []byte) (int, error) { return g.gz.Write(b) }

// gzipResponses compresses bodies for clients that accept gzip.
func gzipResponses(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        w.Header().Add("Vary", "Accept-Encoding")
        if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
            next.ServeHTTP(w, r)
            return
        }
        gz := gzipWriters.Get().(*gzip.Writer)
        gz.Reset(w)
        defer func() {
            _ = gz.Close()
            gz.Reset(nil)
            gzipWriters.Put(gz)
        }()
        w.Header().Set("Content-Encoding", "gzip")
        next.ServeHTTP(&gzipWriter{ResponseWriter: w, gz: gz}, r)
    })
}

// maxBodyBytes caps POST bodies at n bytes.
func maxBodyBytes(n int64) middleware {
    return func(next http.Handler) http.Handler {
        return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
            if r.Method == http.MethodPost && r.Body != nil { r.Body = http.MaxBytesReader(w, r.Body, n) }
            next.ServeHTTP(w, r)
        })
    }
}

// recoverer turns a handler panic into a logged 500.
func recoverer(log *zap.Logger) middleware {
    return func(next http.Handler) http.Handler {
        return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
            defer func() {
                rec := recover()
                if rec == nil { return }
                log.Error("handler panic", zap.Any("panic", rec), zap.String("method", r.Method), zap.String("path", r.URL.Path))
                writeError(w, http.StatusInternalServerError, "internal server error")
            }()
            next.ServeHTTP(w, r)
        })
    }
}
