// Package adminapi is the local-only HTTP+WebSocket surface a companion UI
// or CLI drives: REST endpoints over the Local Database facade, plus a
// WebSocket broadcasting sync-state changes. This is the stand-in for "the
// rendering layer" spec.md names as an out-of-scope collaborator — only the
// wire format to that layer is defined here, never its behavior. Grounded
// on the teacher's internal/rpc.Server lifecycle (net.Listen, http.Server
// with ReadTimeout/WriteTimeout, graceful Shutdown) and its WSHub broadcast
// pattern, adapted from JSON-RPC 2.0 framing to plain REST.
package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/tallyup/ledgerd/internal/eventstore"
	"github.com/tallyup/ledgerd/internal/ledgerdb"
	"github.com/tallyup/ledgerd/internal/projection"
	"github.com/tallyup/ledgerd/internal/syncengine"
	"github.com/tallyup/ledgerd/internal/syncerr"
	"github.com/tallyup/ledgerd/pkg/helpers"
	"github.com/tallyup/ledgerd/pkg/logging"
)

// currencyDecimals is the number of minor-unit decimal places displayed
// amounts are formatted with. Ledger amounts have no per-currency decimals
// table (spec.md §3 stores Currency as an opaque code); every wallet is
// displayed in minor units of two decimals.
const currencyDecimals = 2

// contactView adds a display-formatted balance to the stored projection.
type contactView struct {
	*projection.Contact
	BalanceDisplay string `json:"balance_display"`
}

// transactionView adds a display-formatted amount to the stored projection.
type transactionView struct {
	*projection.Transaction
	AmountDisplay string `json:"amount_display"`
}

func newContactView(c *projection.Contact) contactView {
	return contactView{Contact: c, BalanceDisplay: helpers.FormatSigned(c.Balance, currencyDecimals)}
}

func newTransactionView(t *projection.Transaction) transactionView {
	return transactionView{Transaction: t, AmountDisplay: helpers.FormatAmount(uint64(t.Amount), currencyDecimals)}
}

// Server is the local admin HTTP+WS surface.
type Server struct {
	ledger *ledgerdb.DB
	engine *syncengine.Engine
	hub    *Hub
	log    *logging.Logger

	listener net.Listener
	server   *http.Server
}

// New wires a Server over the given facade and sync engine.
func New(ledger *ledgerdb.DB, engine *syncengine.Engine) *Server {
	return &Server{
		ledger: ledger,
		engine: engine,
		hub:    NewHub(),
		log:    logging.GetDefault().Component("adminapi"),
	}
}

// Hub exposes the broadcast hub so callers (e.g. the realtime client's
// OnOnlineChange handler) can push sync-state updates to connected UIs.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler builds the admin API's route table. Exported so tests can drive
// it with httptest.NewServer without binding a real port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/contacts", s.handleListContacts)
	mux.HandleFunc("POST /api/v1/contacts", s.handleCreateContact)
	mux.HandleFunc("PATCH /api/v1/contacts/{id}", s.handleUpdateContact)
	mux.HandleFunc("DELETE /api/v1/contacts/{id}", s.handleDeleteContact)

	mux.HandleFunc("GET /api/v1/transactions", s.handleListTransactions)
	mux.HandleFunc("POST /api/v1/transactions", s.handleCreateTransaction)
	mux.HandleFunc("PATCH /api/v1/transactions/{id}", s.handleUpdateTransaction)
	mux.HandleFunc("DELETE /api/v1/transactions/{id}", s.handleDeleteTransaction)

	mux.HandleFunc("POST /api/v1/undo/{aggregate_type}/{id}", s.handleUndo)
	mux.HandleFunc("POST /api/v1/sync/refresh", s.handleSyncRefresh)
	mux.HandleFunc("GET /api/v1/sync/status", s.handleSyncStatus)
	mux.HandleFunc("GET /api/v1/ws", s.handleWS)
	return mux
}

// Start binds addr and begins serving in the background.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("adminapi: listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.hub.run()

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("admin API server error", "error", err)
		}
	}()

	s.log.Info("admin API started", "addr", addr)
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	contacts := s.ledger.ListContacts()
	views := make([]contactView, 0, len(contacts))
	for _, c := range contacts {
		views = append(views, newContactView(c))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCreateContact(w http.ResponseWriter, r *http.Request) {
	var p projection.ContactPayload
	if !decodeBody(w, r, &p) {
		return
	}

	id, err := s.ledger.CreateContact(p)
	if err != nil {
		writeError(w, err)
		return
	}
	s.broadcastSyncState()
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleUpdateContact(w http.ResponseWriter, r *http.Request) {
	var p projection.ContactPayload
	if !decodeBody(w, r, &p) {
		return
	}

	if err := s.ledger.UpdateContact(r.PathValue("id"), p); err != nil {
		writeError(w, err)
		return
	}
	s.broadcastSyncState()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteContact(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.DeleteContact(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	s.broadcastSyncState()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	transactions := s.ledger.ListTransactions()
	views := make([]transactionView, 0, len(transactions))
	for _, t := range transactions {
		views = append(views, newTransactionView(t))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var p projection.TransactionPayload
	if !decodeBody(w, r, &p) {
		return
	}

	id, err := s.ledger.CreateTransaction(p)
	if err != nil {
		writeError(w, err)
		return
	}
	s.broadcastSyncState()
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleUpdateTransaction(w http.ResponseWriter, r *http.Request) {
	var p projection.TransactionPayload
	if !decodeBody(w, r, &p) {
		return
	}

	if err := s.ledger.UpdateTransaction(r.PathValue("id"), p); err != nil {
		writeError(w, err)
		return
	}
	s.broadcastSyncState()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.DeleteTransaction(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	s.broadcastSyncState()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	aggType := eventstore.AggregateType(r.PathValue("aggregate_type"))
	if err := s.ledger.UndoAction(aggType, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	s.broadcastSyncState()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSyncRefresh(w http.ResponseWriter, r *http.Request) {
	s.engine.OnPullToRefresh()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	total, unsynced, err := s.ledger.SyncStats()
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SyncStatus{
		HasSyncError:  s.engine.HasSyncError(),
		TotalEvents:   total,
		UnsyncedCount: unsynced,
	})
}

// SyncStatus is the JSON shape of GET /api/v1/sync/status.
type SyncStatus struct {
	HasSyncError  bool `json:"has_sync_error"`
	TotalEvents   int  `json:"total_events"`
	UnsyncedCount int  `json:"unsynced_count"`
}

func (s *Server) broadcastSyncState() {
	total, unsynced, err := s.ledger.SyncStats()
	if err != nil {
		s.log.Warn("broadcast: sync_stats failed", "error", err)
		return
	}
	s.hub.Broadcast(EventSyncStatus, SyncStatus{
		HasSyncError:  s.engine.HasSyncError(),
		TotalEvents:   total,
		UnsyncedCount: unsynced,
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": syncerr.ErrMalformed.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch err {
	case syncerr.ErrUndoExpired:
		status = http.StatusConflict
	case syncerr.ErrNoCurrentWallet:
		status = http.StatusPreconditionFailed
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
