/*
Package fastclient provides the client-side concurrency core of an
HTTP/1.1 and HTTP/2 user agent: bounded call admission, idle-connection
reuse, and RFC 7234 cache-freshness decisions, wired together behind a
single Client type.

Fastclient separates scheduling from transport. A Dispatcher admits
synchronous and asynchronous calls under a global cap and a per-host
cap (overridable per host pattern); a ConnectionPool hands out reusable
HTTP/2-multiplexed connections and retires them on an idle sweep or a
detected peer-closed socket; a CacheStrategy decides, for every
request, whether a cached response can be served as-is, must be
revalidated, or the network must be hit outright.

Features

  - Bounded async/sync call admission with per-host overrides
  - Idle connection pooling with a background sweeper and leak
    detection for stream allocations that stop making progress
  - HTTP/2 multiplexing through golang.org/x/net/http2
  - RFC 7234-compliant cache freshness and conditional revalidation
  - An index-based interceptor chain (cache, connect, call-server) that
    end users can extend
  - A diagnostics event bus (JSON or Protobuf encoded) for call
    lifecycle events
  - Runtime-reconfigurable concurrency caps via config.Manager

Quick Start

Basic usage example:

package main

import (
    "fmt"

    "github.com/searchktools/fastclient/app"
    "github.com/searchktools/fastclient/config"
    "github.com/searchktools/fastclient/core/httpmsg"
)

func main() {
    cfg, manager := config.New()
    client := app.New(cfg, manager)
    defer client.Close()

    request := httpmsg.NewRequest("GET", httpmsg.URL{Host: "example.com", IsHTTPS: true})
    response, err := client.Execute(request)
    if err != nil {
        panic(err)
    }
    fmt.Println(response.StatusCode)
}

Modules

The module is organized into:

  - app: Client lifecycle assembly (Dispatcher + ConnectionPool + Chain)
  - config: Flag/env configuration loading and live reconfiguration
  - core/dispatcher: Bounded call admission and scheduling
  - core/connpool: Idle connection reuse, sweeping and leak detection
  - core/cache: RFC 7234 cache freshness decisions
  - core/chain: The interceptor chain driving each exchange
  - core/transport: The HTTP/2 transport engine and its Factory contract
  - core/httpmsg: Request/response/header types shared by the above
  - core/hostpolicy: Per-host-pattern concurrency overrides
  - core/events: A diagnostics event bus (JSON/Protobuf)
  - core/arena: A capacity-bounded byte-segment pool
  - core/probe: Nonblocking peer-closed-socket detection
  - core/optimize: Capability-gated ETag comparison

For more information, see https://github.com/searchktools/fastclient
*/
package fastclient
