package signer

import "github.com/prometheus/client_golang/prometheus"

var rpcRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "keybunker_rpc_requests_total",
		Help: "Remote signing RPC requests by method and authorization outcome.",
	},
	[]string{"method", "decision"},
)

func init() {
	prometheus.MustRegister(rpcRequests)
}
