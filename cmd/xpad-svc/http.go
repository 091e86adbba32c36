// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-lpc/xpad/burst"
	"github.com/go-lpc/xpad/internal/xcfg"
	"github.com/go-lpc/xpad/xpci"
)

// newRouter exposes the control server over HTTP:
//
//	GET  /status      engine status
//	GET  /config      service configuration, as YAML
//	GET  /burst/last  index of the last image written by the streaming burst
//	POST /cmd/{name}  runs a control request, the body holding its arguments
func newRouter(srv *xpci.Server, cfg xcfg.Config) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Recoverer)

	root.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		data, err := srv.Dispatch(r.Context(), xpci.Request{Name: "status"})
		writeReply(w, data, err)
	})

	root.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		err := cfg.Dump(w)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	root.Get("/burst/last", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Burst.Counter == "" {
			http.Error(w, "no burst counter file configured", http.StatusNotFound)
			return
		}
		last, err := burst.ReadCounter(cfg.Burst.Counter)
		writeReply(w, last, err)
	})

	root.Post("/cmd/{name}", func(w http.ResponseWriter, r *http.Request) {
		req := xpci.Request{Name: chi.URLParam(r, "name")}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(body) > 0 {
			req.Args = json.RawMessage(body)
		}
		data, err := srv.Dispatch(r.Context(), req)
		writeReply(w, data, err)
	})

	return root
}

func writeReply(w http.ResponseWriter, data any, err error) {
	rep := xpci.Reply{Msg: "ok", Code: xpci.Code(err), Data: data}
	status := http.StatusOK
	if err != nil {
		rep.Msg = err.Error()
		rep.Data = nil
		if rep.Code < 0 {
			status = http.StatusInternalServerError
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rep)
}
