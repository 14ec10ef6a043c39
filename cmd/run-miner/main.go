// Command run-miner is a reference miner: it answers a validator's
// POST /task with the payload echoed back as the result, signed by its
// own key when a mnemonic file is given (unsigned otherwise). It exists so a subnet can be exercised end-to-end without a
// real inference backend; production miners implement the same wire
// contract with whatever model serving they choose.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
	"github.com/urfave/cli/v2"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/subnetlabs/subnet-validator/internal/dispatch"
	"github.com/subnetlabs/subnet-validator/internal/keysigner"
)

var log = logrus.WithField("prefix", "run-miner")

func main() {
	logrus.SetFormatter(&prefixed.TextFormatter{FullTimestamp: true})
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		log.Debugf(format, args...)
	})); err != nil {
		log.WithError(err).Warn("Failed to set GOMAXPROCS from cgroup limits")
	}

	app := &cli.App{
		Name:  "run-miner",
		Usage: "run a reference miner that echoes task payloads",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "subnet", Usage: "subnet id this miner serves", Required: true},
			&cli.StringFlag{Name: "endpoint", Usage: "address to listen on, e.g. :8090", Required: true},
			&cli.StringFlag{Name: "mnemonic-file", Usage: "optional file holding a BIP-39 mnemonic to sign results"},
			&cli.StringFlag{Name: "mnemonic-passphrase", EnvVars: []string{"MINER_MNEMONIC_PASSPHRASE"}},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Error("run-miner exited with error")
		os.Exit(2)
	}
}

func run(ctx *cli.Context) error {
	subnet := ctx.Uint64("subnet")

	var signer keysigner.Signer
	if path := ctx.String("mnemonic-file"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading mnemonic file: %w", err)
		}
		s, err := keysigner.NewHDSignerFromMnemonic(strings.TrimSpace(string(raw)), ctx.String("mnemonic-passphrase"))
		if err != nil {
			return fmt.Errorf("constructing signer: %w", err)
		}
		signer = s
	}

	handler := &taskHandler{subnet: subnet, signer: signer}
	router := mux.NewRouter()
	router.HandleFunc("/task", handler.serveTask).Methods(http.MethodPost)

	log.WithField("addr", ctx.String("endpoint")).WithField("subnet", subnet).Info("Miner listening")
	return http.ListenAndServe(ctx.String("endpoint"), router)
}

type taskHandler struct {
	subnet uint64
	signer keysigner.Signer
}

func (h *taskHandler) serveTask(w http.ResponseWriter, r *http.Request) {
	var req dispatch.TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "malformed_request"})
		return
	}
	if req.SubnetID != h.subnet {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "wrong_subnet"})
		return
	}

	resp := dispatch.TaskResponse{TaskID: req.TaskID, Result: req.Payload}
	if h.signer != nil {
		sig, err := h.signer.Sign(r.Context(), resp.Result)
		if err != nil {
			log.WithError(err).Warn("Failed to sign task result")
		} else {
			resp.Signature = sig
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
