/*
   deacon: a native Go orchestrator for devcontainer.json environments
   Copyright (C) 2025  Neil Santos

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU General Public License as published by
   the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU General Public License for more details.
*/

// Package trill houses the runtime adapter: a uniform set of
// container, image, and Compose operations over the Podman/Docker
// REST API. It knows nothing about lifecycle phases or markers; the
// orchestrator (internal/deacon) sequences those and calls down into
// this package.
package trill

import (
	"github.com/compose-spec/compose-go/types"
	"github.com/heimdalr/dag"
	mobyclient "github.com/moby/moby/client"

	"github.com/deacon-dev/deacon/internal/errtyp"
)

// A Client holds the connection to Podman/Docker plus the small
// amount of state the adapter carries between calls (the designated
// devcontainer's ID, the attach stream, and the loaded Compose
// project, when one is in play).
type Client struct {
	// ContainerID is the designated devcontainer: the lone container
	// in single-container configurations, or the one backing the
	// `service` field in Compose configurations.
	ContainerID string

	SocketAddr string
	Platform   Platform

	// MakeMeRoot mirrors the CLI's --make-me-root flag: when set, the
	// user-map policy (internal/security) always resolves to the
	// keep-id:uid=0,gid=0 escape hatch regardless of containerUser.
	MakeMeRoot bool

	// PrivilegedPortElevator, when set, is consulted by port-binding
	// logic to raise a privileged host port past 1023.
	PrivilegedPortElevator func(port uint16) uint16

	// Labels is applied to every container this client creates, on
	// top of any per-call labels. The orchestrator seeds it from
	// internal/identity so `ps --filter label=...` can find our
	// containers again.
	Labels map[string]string

	mobyClient *mobyclient.Client
	attachResp *mobyclient.HijackedResponse
	isAttached bool

	composerProject *types.Project
	servicesDAG     *dag.DAG
}

// Platform pins the target architecture/OS for image builds and
// container creation.
type Platform struct {
	Architecture string
	OS           string
}

// NewClient returns a Client that communicates with Podman/Docker via
// socketAddr (or a discovered socket when socketAddr is empty).
func NewClient(socketAddr string, makeMeRoot bool) (*Client, error) {
	c := &Client{
		SocketAddr: getSocketAddr(socketAddr),
		MakeMeRoot: makeMeRoot,
		Labels:     make(map[string]string),
	}
	if len(c.SocketAddr) == 0 {
		return nil, &errtyp.RuntimeError{Kind: "NotInstalled", Message: "could not determine a Podman/Docker socket address"}
	}

	mobyClient, err := mobyclient.New(mobyclient.WithHost(c.SocketAddr))
	if err != nil {
		return nil, &errtyp.RuntimeError{Kind: "Unavailable", Message: err.Error(), Cause: err}
	}
	c.mobyClient = mobyClient
	return c, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	if c.mobyClient == nil {
		return nil
	}
	return c.mobyClient.Close()
}
