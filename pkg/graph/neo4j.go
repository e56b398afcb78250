package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Neo4jConfig carries the bolt connection settings (NEO4J_URI,
// NEO4J_USERNAME, NEO4J_PASSWORD).
type Neo4jConfig struct {
	URI      string
	Username string
	Password string
}

// Neo4jStore projects into a Neo4j database. Labels and relationship types
// are interpolated into Cypher, which is safe only because both are closed
// sets validated before any query is built; identifiers and properties
// always travel as parameters.
type Neo4jStore struct {
	driver neo4j.DriverWithContext
}

// NewNeo4jStore opens a driver. Connectivity is not verified here; call
// Ping during startup if the deployment requires the graph.
func NewNeo4jStore(cfg Neo4jConfig) (*Neo4jStore, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("graph: neo4j uri is empty")
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("graph: open neo4j driver: %w", err)
	}
	return &Neo4jStore{driver: driver}, nil
}

// Ping verifies connectivity and auth.
func (s *Neo4jStore) Ping(ctx context.Context) error {
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("graph: neo4j unreachable: %w", err)
	}
	return nil
}

func (s *Neo4jStore) write(ctx context.Context, work neo4j.ManagedTransactionWork) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)
	_, err := session.ExecuteWrite(ctx, work)
	return err
}

func (s *Neo4jStore) MergeNode(ctx context.Context, n Node) error {
	if err := n.validate(); err != nil {
		return err
	}
	query := fmt.Sprintf(
		"MERGE (n:%s {tenant_id: $tenant_id, id: $id}) SET n += $props RETURN n.id",
		n.Kind)
	props := n.Props
	if props == nil {
		props = map[string]any{}
	}
	return s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{
			"tenant_id": n.TenantID,
			"id":        n.ID,
			"props":     props,
		})
		if err != nil {
			return nil, err
		}
		return res.Single(ctx)
	})
}

func (s *Neo4jStore) MergeEdge(ctx context.Context, e Edge) error {
	if err := e.validate(); err != nil {
		return err
	}
	// Single() fails on zero rows, so an edge whose endpoints were never
	// projected is an error rather than a silent no-op.
	query := fmt.Sprintf(
		"MATCH (a {tenant_id: $tenant_id, id: $from_id}) "+
			"MATCH (b {tenant_id: $tenant_id, id: $to_id}) "+
			"MERGE (a)-[r:%s]->(b) RETURN count(r) AS merged",
		e.Kind)
	return s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{
			"tenant_id": e.TenantID,
			"from_id":   e.FromID,
			"to_id":     e.ToID,
		})
		if err != nil {
			return nil, err
		}
		if _, err := res.Single(ctx); err != nil {
			return nil, fmt.Errorf("graph: edge %s %s->%s: endpoints not projected: %w",
				e.Kind, e.FromID, e.ToID, err)
		}
		return nil, nil
	})
}

// DeleteNode detaches and removes a node. Deleting a node that was never
// projected succeeds; compensation must be idempotent.
func (s *Neo4jStore) DeleteNode(ctx context.Context, tenantID, nodeID string) error {
	if tenantID == "" || nodeID == "" {
		return fmt.Errorf("graph: delete needs tenant and node id")
	}
	return s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			"MATCH (n {tenant_id: $tenant_id, id: $id}) DETACH DELETE n",
			map[string]any{"tenant_id": tenantID, "id": nodeID})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
}

func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}
