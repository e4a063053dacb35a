package query

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"

	"github.com/tidwall/redcon"

	"github.com/roach88/rill/internal/ir"
)

// respClient is the per-connection state of a RESP client. Each connection
// is one session.
type respClient struct {
	session *Session
}

// ServeRESP answers Redis-protocol commands on ln until ln is closed:
//
//	PING [message]
//	LOOKUP table key   JSON result, or nil when the key is absent
//	TABLES
//	SESSION            the connection's session id
//	QUIT
func (s *Server) ServeRESP(ln net.Listener) error {
	return redcon.Serve(ln,
		func(conn redcon.Conn, cmd redcon.Command) {
			client, _ := conn.Context().(*respClient)
			if client == nil {
				client = &respClient{session: s.NewSession()}
				conn.SetContext(client)
			}
			s.execRESP(conn, client, respArgs(cmd))
		},
		func(conn redcon.Conn) bool {
			conn.SetContext(&respClient{session: s.NewSession()})
			s.logger.Debug("resp client connected", "remote", conn.RemoteAddr())
			return true
		},
		func(conn redcon.Conn, err error) {
			s.logger.Debug("resp client closed", "remote", conn.RemoteAddr(), "error", err)
		},
	)
}

func respArgs(cmd redcon.Command) []string {
	args := make([]string, len(cmd.Args))
	args[0] = strings.ToLower(string(cmd.Args[0]))
	for i := 1; i < len(cmd.Args); i++ {
		args[i] = string(cmd.Args[i])
	}
	return args
}

func (s *Server) execRESP(conn redcon.Conn, client *respClient, args []string) {
	switch args[0] {
	case "ping":
		switch len(args) {
		case 1:
			conn.WriteString("PONG")
		case 2:
			conn.WriteBulkString(args[1])
		default:
			conn.WriteError("ERR wrong number of arguments for 'ping' command")
		}
	case "quit":
		conn.WriteString("OK")
		conn.Close()
	case "session":
		conn.WriteBulkString(client.session.ID)
	case "tables":
		tables := s.Tables()
		conn.WriteArray(len(tables))
		for _, t := range tables {
			conn.WriteBulkString(t)
		}
	case "lookup":
		if len(args) != 3 {
			conn.WriteError("ERR wrong number of arguments for 'lookup' command")
			return
		}
		res, err := s.Lookup(context.Background(), client.session, args[1], ir.ParseKey(args[2]))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				conn.WriteNull()
				return
			}
			conn.WriteError(respErrorPrefix(err) + " " + err.Error())
			return
		}
		b, err := json.Marshal(res)
		if err != nil {
			conn.WriteError("ERR " + err.Error())
			return
		}
		conn.WriteBulk(b)
	default:
		conn.WriteError("ERR unknown command '" + args[0] + "'")
	}
}

// respErrorPrefix maps lookup errors to RESP error prefixes. A table still
// replaying its changelog answers LOADING, as Redis does during startup.
func respErrorPrefix(err error) string {
	switch {
	case errors.Is(err, ErrTableNotFound):
		return "TABLENOTFOUND"
	case errors.Is(err, ErrTimeout):
		return "TIMEOUT"
	case errors.Is(err, ErrDegraded):
		return "DEGRADED"
	case errors.Is(err, ErrUnavailable):
		return "LOADING"
	}
	return "ERR"
}
