/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package platform

import (
	"context"
	"log"

	"github.com/google/uuid"

	"github.com/nkondo/avc-agent/internal/domain/model"
	"github.com/nkondo/avc-agent/internal/lwm2m"
	"github.com/nkondo/avc-agent/internal/session"
)

// LoopbackBearer reports an always-attached wired network. Development
// hosts have no modem to drive.
type LoopbackBearer struct{}

func (LoopbackBearer) Request(ctx context.Context) error { return nil }
func (LoopbackBearer) Release() error                    { return nil }
func (LoopbackBearer) RegistrationState() lwm2m.RegState { return lwm2m.RegHome }

// LoopbackClient satisfies the protocol-stack contract without a CoAP
// stack behind it. Every operation succeeds and is logged.
type LoopbackClient struct {
	serverID model.ServerID
	logger   *log.Logger
}

func (c *LoopbackClient) Register(ctx context.Context, lifetimeSeconds uint32) error {
	c.logger.Printf("platform: loopback register with %s, lifetime %ds", c.serverID, lifetimeSeconds)
	return nil
}

func (c *LoopbackClient) Deregister(ctx context.Context) error {
	c.logger.Printf("platform: loopback deregister from %s", c.serverID)
	return nil
}

func (c *LoopbackClient) Update(ctx context.Context) error { return nil }

func (c *LoopbackClient) Send(ctx context.Context, payload []byte, contentType string) (string, error) {
	c.logger.Printf("platform: loopback uplink, %d bytes of %s", len(payload), contentType)
	return uuid.NewString(), nil
}

func (c *LoopbackClient) PublishObjects(instances []lwm2m.ObjectInstance) error {
	c.logger.Printf("platform: loopback object list, %d instances", len(instances))
	return nil
}

// LoopbackFactory builds loopback protocol clients.
func LoopbackFactory(logger *log.Logger) session.ClientFactory {
	if logger == nil {
		logger = log.Default()
	}
	return func(serverID model.ServerID, bootstrap bool) (lwm2m.Client, error) {
		return &LoopbackClient{serverID: serverID, logger: logger}, nil
	}
}

// Rebooter logs the reboot request instead of executing it. A real
// target wires the platform power API here.
type Rebooter struct {
	Logger *log.Logger
}

func (r Rebooter) Reboot() error {
	logger := r.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("platform: reboot requested")
	return nil
}
