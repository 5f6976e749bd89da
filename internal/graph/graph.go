// Package graph mirrors memory connection sets into Neo4j.
package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-cognition/internal/cluster"
)

// ConnectionGraph stores each session's latest connection set as
// (:Memory)-[:ASSOCIATED]->(:Memory) relationships.
type ConnectionGraph struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// New opens a Neo4j driver.
func New(uri, user, password string, logger *zap.Logger) (*ConnectionGraph, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return NewWithDriver(driver, logger), nil
}

// NewWithDriver wraps an existing driver.
func NewWithDriver(driver neo4j.DriverWithContext, logger *zap.Logger) *ConnectionGraph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionGraph{driver: driver, logger: logger}
}

// Ping verifies the Neo4j connection.
func (g *ConnectionGraph) Ping(ctx context.Context) error {
	return g.driver.VerifyConnectivity(ctx)
}

// Close shuts down the driver.
func (g *ConnectionGraph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// ReplaceConnections drops the session's previous relationships, and the
// memory nodes no longer connected, and writes conns in one transaction.
func (g *ConnectionGraph) ReplaceConnections(ctx context.Context, sessionID string, conns []cluster.Connection) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx,
			`MATCH (:Memory {session: $session})-[r:ASSOCIATED]->(:Memory {session: $session})
			 DELETE r`,
			map[string]any{"session": sessionID}); err != nil {
			return nil, err
		}
		if _, err := tx.Run(ctx,
			`MATCH (m:Memory {session: $session})
			 WHERE NOT m.id IN $ids
			 DETACH DELETE m`,
			map[string]any{"session": sessionID, "ids": memoryIDs(conns)}); err != nil {
			return nil, err
		}
		if len(conns) == 0 {
			return nil, nil
		}
		_, err := tx.Run(ctx,
			`UNWIND $rows AS row
			 MERGE (a:Memory {session: $session, id: row.source_id})
			 SET a.content = row.source
			 MERGE (b:Memory {session: $session, id: row.target_id})
			 SET b.content = row.target
			 CREATE (a)-[:ASSOCIATED {
				strength: row.strength, type: row.type,
				shared_traits: row.shared_traits, shared_tags: row.shared_tags
			 }]->(b)`,
			map[string]any{"session": sessionID, "rows": rows(conns)})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("replace connections: %w", err)
	}
	g.logger.Debug("connection graph replaced",
		zap.String("session", sessionID),
		zap.Int("connections", len(conns)))
	return nil
}

// Connections reads back the session's relationships ordered by endpoint ids.
func (g *ConnectionGraph) Connections(ctx context.Context, sessionID string) ([]cluster.Connection, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (a:Memory {session: $session})-[r:ASSOCIATED]->(b:Memory {session: $session})
		 RETURN a.id, a.content, b.id, b.content, r.strength, r.type, r.shared_traits, r.shared_tags
		 ORDER BY a.id, b.id`,
		map[string]any{"session": sessionID})
	if err != nil {
		return nil, fmt.Errorf("get connections: %w", err)
	}

	var conns []cluster.Connection
	for result.Next(ctx) {
		vals := result.Record().Values
		c := cluster.Connection{
			SourceID:     asString(vals[0]),
			Source:       asString(vals[1]),
			TargetID:     asString(vals[2]),
			Target:       asString(vals[3]),
			Type:         asString(vals[5]),
			SharedTraits: asStrings(vals[6]),
			SharedTags:   asStrings(vals[7]),
		}
		c.Strength, _ = vals[4].(float64)
		conns = append(conns, c)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("get connections: %w", err)
	}
	return conns, nil
}

// MemoryIDs lists the session's memory nodes in id order.
func (g *ConnectionGraph) MemoryIDs(ctx context.Context, sessionID string) ([]string, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (m:Memory {session: $session}) RETURN m.id ORDER BY m.id`,
		map[string]any{"session": sessionID})
	if err != nil {
		return nil, fmt.Errorf("get memory nodes: %w", err)
	}
	var ids []string
	for result.Next(ctx) {
		ids = append(ids, asString(result.Record().Values[0]))
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("get memory nodes: %w", err)
	}
	return ids, nil
}

// memoryIDs returns the distinct endpoints of conns, sorted.
func memoryIDs(conns []cluster.Connection) []string {
	seen := make(map[string]struct{}, 2*len(conns))
	for _, c := range conns {
		seen[c.SourceID] = struct{}{}
		seen[c.TargetID] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func rows(conns []cluster.Connection) []map[string]any {
	out := make([]map[string]any, 0, len(conns))
	for _, c := range conns {
		out = append(out, map[string]any{
			"source_id":     c.SourceID,
			"target_id":     c.TargetID,
			"source":        c.Source,
			"target":        c.Target,
			"strength":      c.Strength,
			"type":          c.Type,
			"shared_traits": nonNil(c.SharedTraits),
			"shared_tags":   nonNil(c.SharedTags),
		})
	}
	return out
}

// Neo4j rejects null list properties.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asStrings(v any) []string {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
