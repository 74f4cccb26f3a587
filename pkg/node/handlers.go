package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrkv/pkg/kv"
	"github.com/ryandielhenn/zephyrkv/pkg/rpc"
)

// maxValue bounds PUT bodies.
const maxValue = 1 << 20

// Healthz returns 200 OK to indicate the Node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// InfoHandler writes the node's identity, membership view and item count.
func (n *Node) InfoHandler(w http.ResponseWriter, _ *http.Request) {
	rpc.WriteJSON(w, http.StatusOK, n.Info())
}

// Get returns the value for a key
func (n *Node) Get(w http.ResponseWriter, req *http.Request) {
	key := keyOf(req)
	res, ok := n.route(w, req, kv.Batch{Requests: []kv.Request{kv.Get(key)}})
	if !ok {
		return
	}
	if len(res.Result.Returning) == 0 {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(res.Result.Returning[0].Value)
}

// Put stores the request body under the key
func (n *Node) Put(w http.ResponseWriter, req *http.Request) {
	key := keyOf(req)
	val, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxValue))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, ok := n.route(w, req, kv.Batch{Requests: []kv.Request{kv.Put(key, val)}})
	if !ok {
		return
	}
	n.writeStatus(w, res)
}

// Del removes a key
func (n *Node) Del(w http.ResponseWriter, req *http.Request) {
	key := keyOf(req)
	res, ok := n.route(w, req, kv.Batch{Requests: []kv.Request{kv.Delete(key)}})
	if !ok {
		return
	}
	n.writeStatus(w, res)
}

// Txn runs a JSON batch and returns the transaction result.
func (n *Node) Txn(w http.ResponseWriter, req *http.Request) {
	var in rpc.CoordinateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 8*maxValue)).Decode(&in); err != nil {
		n.fail(w, req, fmt.Errorf("%w: %v", kv.ErrInvalidRequest, err))
		return
	}
	b, err := in.Batch()
	if err != nil {
		n.fail(w, req, err)
		return
	}
	res, ok := n.route(w, req, b)
	if !ok {
		return
	}
	rpc.WriteJSON(w, http.StatusOK, rpc.CoordinateResponseOf(res))
}

func (n *Node) route(w http.ResponseWriter, req *http.Request, b kv.Batch) (*kv.BatchResponse, bool) {
	res, err := n.router.Route(req.Context(), b)
	if err != nil {
		n.fail(w, req, err)
		return nil, false
	}
	return res, true
}

func (n *Node) writeStatus(w http.ResponseWriter, res *kv.BatchResponse) {
	if res.Result.Status == kv.StatusAborted {
		http.Error(w, "transaction aborted", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) fail(w http.ResponseWriter, req *http.Request, err error) {
	code := rpc.StatusOf(err)
	switch {
	case errors.Is(err, rpc.ErrNodeUnreachable):
		code = http.StatusBadGateway
	case errors.Is(err, rpc.ErrBadRequest):
		code = http.StatusBadRequest
	}
	if code >= http.StatusInternalServerError {
		n.lg.Warn("request failed", zap.String("path", req.URL.Path), zap.Error(err))
	}
	rpc.WriteJSON(w, code, rpc.ErrorResponse{Error: err.Error()})
}

func keyOf(req *http.Request) string {
	v := mux.Vars(req)
	return "/" + v["table"] + "/" + v["pkey"]
}
