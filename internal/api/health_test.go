package api

import (
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v3"
)

func TestHealthOK(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	h := &HealthHandler{DB: e.db, Valkey: e.rdb}
	e.app.Get("/health", h.Health)

	resp := e.do(t, http.MethodGet, "/health", nil, nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusOK)
	}

	var body struct {
		Data struct {
			Status string `json:"status"`
			SQLite string `json:"sqlite"`
			Valkey string `json:"valkey"`
		} `json:"data"`
	}
	decodeBody(t, resp, &body)
	if body.Data.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Data.Status)
	}
	if body.Data.SQLite != "ok" || body.Data.Valkey != "ok" {
		t.Errorf("components = %q/%q, want ok/ok", body.Data.SQLite, body.Data.Valkey)
	}
}

func TestHealthDegradedWhenValkeyDown(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	h := &HealthHandler{DB: e.db, Valkey: e.rdb}
	e.app.Get("/health", h.Health)

	e.mr.Close()

	resp := e.do(t, http.MethodGet, "/health", nil, nil)
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusServiceUnavailable)
	}

	var body struct {
		Data struct {
			Status string `json:"status"`
			SQLite string `json:"sqlite"`
			Valkey string `json:"valkey"`
		} `json:"data"`
	}
	decodeBody(t, resp, &body)
	if body.Data.Status != "degraded" {
		t.Errorf("status = %q, want degraded", body.Data.Status)
	}
	if body.Data.Valkey != "unavailable" {
		t.Errorf("valkey = %q, want unavailable", body.Data.Valkey)
	}
	if body.Data.SQLite != "ok" {
		t.Errorf("sqlite = %q, want ok", body.Data.SQLite)
	}
}
