package ovsdb

import (
	"context"
	"fmt"

	"github.com/ovn-org/libovsdb/client"
	"github.com/ovn-org/libovsdb/model"
	libovsdb "github.com/ovn-org/libovsdb/ovsdb"
)

// DefaultSocket is where ovsdb-server listens on most distributions.
const DefaultSocket = "unix:/run/openvswitch/db.sock"

// Conn is the database access the client needs.
type Conn interface {
	Global(ctx context.Context) (*OpenvSwitch, error)
	Bridges(ctx context.Context) ([]Bridge, error)
	Interfaces(ctx context.Context) ([]Interface, error)
	UpdateGlobal(ctx context.Context, row *OpenvSwitch) error
	UpdateBridge(ctx context.Context, row *Bridge) error
	UpdateInterface(ctx context.Context, row *Interface) error
	Close()
}

// Dial connects to endpoint and starts monitoring the mapped tables so
// reads are served from the local cache.
func Dial(ctx context.Context, endpoint string) (Conn, error) {
	if endpoint == "" {
		endpoint = DefaultSocket
	}
	dbModel, err := model.NewClientDBModel(DatabaseName, map[string]model.Model{
		OpenvSwitchTable: &OpenvSwitch{},
		BridgeTable:      &Bridge{},
		InterfaceTable:   &Interface{},
	})
	if err != nil {
		return nil, fmt.Errorf("ovsdb model: %w", err)
	}
	c, err := client.NewOVSDBClient(dbModel, client.WithEndpoint(endpoint))
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", endpoint, err)
	}
	if _, err := c.MonitorAll(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("monitor %s: %w", endpoint, err)
	}
	return &libovsdbConn{c: c}, nil
}

type libovsdbConn struct {
	c client.Client
}

func (l *libovsdbConn) Global(ctx context.Context) (*OpenvSwitch, error) {
	var rows []OpenvSwitch
	if err := l.c.List(ctx, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s table is empty", OpenvSwitchTable)
	}
	return &rows[0], nil
}

func (l *libovsdbConn) Bridges(ctx context.Context) ([]Bridge, error) {
	var rows []Bridge
	err := l.c.List(ctx, &rows)
	return rows, err
}

func (l *libovsdbConn) Interfaces(ctx context.Context) ([]Interface, error) {
	var rows []Interface
	err := l.c.List(ctx, &rows)
	return rows, err
}

func (l *libovsdbConn) UpdateGlobal(ctx context.Context, row *OpenvSwitch) error {
	return l.update(ctx, row, &row.ExternalIDs, &row.OtherConfig)
}

func (l *libovsdbConn) UpdateBridge(ctx context.Context, row *Bridge) error {
	return l.update(ctx, row, &row.ExternalIDs, &row.OtherConfig)
}

func (l *libovsdbConn) UpdateInterface(ctx context.Context, row *Interface) error {
	return l.update(ctx, row, &row.ExternalIDs, &row.OtherConfig)
}

func (l *libovsdbConn) update(ctx context.Context, row model.Model, fields ...interface{}) error {
	ops, err := l.c.Where(row).Update(row, fields...)
	if err != nil {
		return err
	}
	results, err := l.c.Transact(ctx, ops...)
	if err != nil {
		return err
	}
	_, err = libovsdb.CheckOperationResults(results, ops)
	return err
}

func (l *libovsdbConn) Close() {
	l.c.Close()
}
