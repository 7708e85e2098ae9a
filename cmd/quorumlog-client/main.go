package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"quorumlog/internal/wire"
)

var args struct {
	Servers []string `arg:"--server,separate,required" help:"cluster member as id=addr; repeat for each server"`
}

const (
	submitAttempts = 10
	retryDelay     = 200 * time.Millisecond
	requestTimeout = 5 * time.Second
)

// client tracks the session state a deduplicating cluster expects: a stable client id,
// a monotonically increasing request id, and the highest id whose response it has
// consumed. Retries reuse the request id so a command is never executed twice.
type client struct {
	id        string
	requestID uint64
	ackedUpTo uint64

	addrs   map[string]string
	order   []string
	conns   map[string]wire.ReplicationClient
	current string
}

func newClient(servers []string) (*client, error) {
	c := &client{
		id:    uuid.NewString(),
		addrs: make(map[string]string),
		conns: make(map[string]wire.ReplicationClient),
	}
	for _, spec := range servers {
		id, addr, ok := strings.Cut(spec, "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid server spec %q, expected id=addr", spec)
		}
		c.addrs[id] = addr
		c.order = append(c.order, id)
	}
	c.current = c.order[0]
	return c, nil
}

func (c *client) conn(serverID string) (wire.ReplicationClient, error) {
	if cl, ok := c.conns[serverID]; ok {
		return cl, nil
	}
	addr, ok := c.addrs[serverID]
	if !ok {
		return nil, fmt.Errorf("unknown server %q", serverID)
	}
	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	cl := wire.NewReplicationClient(cc)
	c.conns[serverID] = cl
	return cl, nil
}

// nextServer rotates to another cluster member when the current one is down or has no
// leader hint to offer.
func (c *client) nextServer() {
	for i, id := range c.order {
		if id == c.current {
			c.current = c.order[(i+1)%len(c.order)]
			return
		}
	}
	c.current = c.order[0]
}

// submit sends one command, following leader redirects and retrying timeouts with the
// same request id until the cluster answers or attempts run out.
func (c *client) submit(command string) (string, error) {
	c.requestID++
	req := &wire.ClientSubmitRequest{
		ClientID:  c.id,
		RequestID: c.requestID,
		Payload:   []byte(command),
		AckUpTo:   c.ackedUpTo,
	}

	for attempt := 0; attempt < submitAttempts; attempt++ {
		cl, err := c.conn(c.current)
		if err != nil {
			c.nextServer()
			time.Sleep(retryDelay)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		resp, err := cl.ClientSubmit(ctx, req)
		cancel()
		if err != nil {
			c.nextServer()
			time.Sleep(retryDelay)
			continue
		}

		switch resp.Status {
		case wire.SubmitOK:
			c.ackedUpTo = c.requestID
			return string(resp.Response), nil
		case wire.SubmitNotLeader:
			if resp.LeaderID != "" {
				c.current = resp.LeaderID
			} else {
				c.nextServer()
				time.Sleep(retryDelay)
			}
		case wire.SubmitTimeout:
			// The command may still commit; retrying with the same request id is safe.
			time.Sleep(retryDelay)
		case wire.SubmitRejected:
			c.nextServer()
			time.Sleep(retryDelay)
		}
	}
	return "", fmt.Errorf("no response after %d attempts", submitAttempts)
}

func main() {
	arg.MustParse(&args)

	cli, err := newClient(args.Servers)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Println("quorumlog client")
	fmt.Println("commands: SET <key>=<value> | GET <key> | DEL <key> | quit")

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "quit") || strings.EqualFold(line, "exit") {
			return
		}

		response, err := cli.submit(line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Println(response)
	}
}
