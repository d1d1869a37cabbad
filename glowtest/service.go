// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package glowtest

import (
	"net/http"
)

// TableArgs names a table.
type TableArgs struct {
	TableName string `json:"table_name"`
}

// ItemArgs addresses one document.
type ItemArgs struct {
	TableName string `json:"table_name"`
	ID        string `json:"id"`
}

// PutArgs carries a document to store.
type PutArgs struct {
	TableName string         `json:"table_name"`
	Item      map[string]any `json:"item"`
}

// UpdateArgs carries a partial update.
type UpdateArgs struct {
	TableName string         `json:"table_name"`
	ID        string         `json:"id"`
	Updates   map[string]any `json:"updates"`
}

// PageArgs selects a page of a table, optionally filtered.
type PageArgs struct {
	TableName string         `json:"table_name"`
	Limit     int            `json:"limit"`
	Offset    int            `json:"offset"`
	Filters   map[string]any `json:"filters"`
}

// BatchGetArgs lists the ids to fetch.
type BatchGetArgs struct {
	TableName string   `json:"table_name"`
	IDs       []string `json:"ids"`
}

// BatchWriteArgs carries documents to store.
type BatchWriteArgs struct {
	TableName string           `json:"table_name"`
	Items     []map[string]any `json:"items"`
}

type service struct {
	store *store
}

func (g *service) CreateTable(_ *http.Request, args *TableArgs, reply *any) error {
	if err := g.store.createTable(args.TableName); err != nil {
		return rpcError(err)
	}
	*reply = true
	return nil
}

func (g *service) DeleteTable(_ *http.Request, args *TableArgs, reply *any) error {
	if err := g.store.deleteTable(args.TableName); err != nil {
		return rpcError(err)
	}
	*reply = true
	return nil
}

func (g *service) PutItem(_ *http.Request, args *PutArgs, reply *any) error {
	doc, err := g.store.put(args.TableName, args.Item)
	if err != nil {
		return rpcError(err)
	}
	*reply = doc
	return nil
}

func (g *service) GetItem(_ *http.Request, args *ItemArgs, reply *any) error {
	doc, err := g.store.get(args.TableName, args.ID)
	if err != nil {
		return rpcError(err)
	}
	*reply = doc
	return nil
}

func (g *service) UpdateItem(_ *http.Request, args *UpdateArgs, reply *any) error {
	doc, err := g.store.update(args.TableName, args.ID, args.Updates)
	if err != nil {
		return rpcError(err)
	}
	*reply = doc
	return nil
}

func (g *service) DeleteItem(_ *http.Request, args *ItemArgs, reply *any) error {
	if err := g.store.delete(args.TableName, args.ID); err != nil {
		return rpcError(err)
	}
	*reply = true
	return nil
}

func (g *service) Scan(_ *http.Request, args *PageArgs, reply *any) error {
	docs, err := g.store.scan(args.TableName, nil, args.Limit, args.Offset)
	if err != nil {
		return rpcError(err)
	}
	*reply = docs
	return nil
}

func (g *service) Query(_ *http.Request, args *PageArgs, reply *any) error {
	docs, err := g.store.scan(args.TableName, args.Filters, args.Limit, args.Offset)
	if err != nil {
		return rpcError(err)
	}
	*reply = docs
	return nil
}

func (g *service) BatchGetItem(_ *http.Request, args *BatchGetArgs, reply *any) error {
	docs, err := g.store.getMany(args.TableName, args.IDs)
	if err != nil {
		return rpcError(err)
	}
	*reply = docs
	return nil
}

func (g *service) BatchWriteItem(_ *http.Request, args *BatchWriteArgs, reply *any) error {
	docs, err := g.store.putMany(args.TableName, args.Items)
	if err != nil {
		return rpcError(err)
	}
	*reply = docs
	return nil
}
