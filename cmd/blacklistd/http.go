package main

import (
	"errors"
	"net/http"
	"net/netip"
	"time"

	"github.com/goccy/go-json"
	"github.com/joeycumines/go-callcore/blacklist"
	"github.com/joeycumines/logiface"
)

type (
	server struct {
		bl     *blacklist.Blacklist
		hub    *hub
		logger *logiface.Logger[logiface.Event]
	}

	listMessage struct {
		Entries []infoMessage `json:"entries"`
		Count   int           `json:"count"`
	}

	errorMessage struct {
		Error string `json:"error"`
	}
)

func (x *server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(`GET /blacklist`, x.list)
	mux.HandleFunc(`GET /blacklist/{addr}`, x.lookup)
	mux.HandleFunc(`POST /blacklist/{addr}`, x.add)
	mux.HandleFunc(`DELETE /blacklist/{addr}`, x.remove)
	if x.hub != nil {
		mux.HandleFunc(`GET /events`, x.hub.serveWs)
	}
	return mux
}

func (x *server) list(w http.ResponseWriter, _ *http.Request) {
	list := x.bl.List()
	msg := listMessage{Entries: make([]infoMessage, len(list)), Count: len(list)}
	for i, info := range list {
		msg.Entries[i] = newInfoMessage(info)
	}
	x.writeJSON(w, http.StatusOK, msg)
}

func (x *server) lookup(w http.ResponseWriter, r *http.Request) {
	addr, ok := x.pathAddr(w, r)
	if !ok {
		return
	}
	info, ok := x.bl.Lookup(addr)
	if !ok {
		x.writeError(w, http.StatusNotFound, `not blacklisted`)
		return
	}
	x.writeJSON(w, http.StatusOK, newInfoMessage(info))
}

// add lists the address, for the duration query parameter if set, otherwise
// as per Blacklist.Add.
func (x *server) add(w http.ResponseWriter, r *http.Request) {
	addr, ok := x.pathAddr(w, r)
	if !ok {
		return
	}

	var (
		info blacklist.Info
		err  error
	)
	if v := r.URL.Query().Get(`duration`); v != `` {
		d, perr := time.ParseDuration(v)
		if perr != nil || d <= 0 {
			x.writeError(w, http.StatusBadRequest, `invalid duration`)
			return
		}
		info, err = x.bl.Set(addr, d)
	} else {
		info, err = x.bl.Add(addr)
	}

	switch {
	case errors.Is(err, blacklist.ErrClosed):
		x.writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		x.writeError(w, http.StatusBadRequest, err.Error())
	default:
		x.writeJSON(w, http.StatusOK, newInfoMessage(info))
	}
}

func (x *server) remove(w http.ResponseWriter, r *http.Request) {
	addr, ok := x.pathAddr(w, r)
	if !ok {
		return
	}
	if !x.bl.Remove(addr) {
		x.writeError(w, http.StatusNotFound, `not blacklisted`)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (x *server) pathAddr(w http.ResponseWriter, r *http.Request) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(r.PathValue(`addr`))
	if err != nil {
		x.writeError(w, http.StatusBadRequest, `invalid address`)
		return netip.Addr{}, false
	}
	return addr, true
}

func (x *server) writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		x.logger.Err().Err(err).Log(`failed to encode response`)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set(`Content-Type`, `application/json`)
	w.WriteHeader(status)
	_, _ = w.Write(append(b, '\n'))
}

func (x *server) writeError(w http.ResponseWriter, status int, msg string) {
	x.writeJSON(w, status, errorMessage{Error: msg})
}
