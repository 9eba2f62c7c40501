// Copyright 2021 Converter Systems LLC. All rights reserved.

package server

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ChannelManager manages the secure channels for a server.
type ChannelManager struct {
	sync.RWMutex
	server       *Server
	channelsByID map[uint32]*SecureChannel
}

// NewChannelManager instantiates a new ChannelManager.
func NewChannelManager(server *Server) *ChannelManager {
	m := &ChannelManager{server: server, channelsByID: make(map[uint32]*SecureChannel)}
	go func(m *ChannelManager) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.checkForClosedChannels()
			case <-m.server.closing:
				m.closeChannels()
				return
			}
		}
	}(m)
	return m
}

// Get a secure channel from the server.
func (m *ChannelManager) Get(id uint32) (*SecureChannel, bool) {
	m.RLock()
	defer m.RUnlock()
	ch, ok := m.channelsByID[id]
	return ch, ok
}

// Add a secure channel to the server.
func (m *ChannelManager) Add(ch *SecureChannel) {
	m.Lock()
	m.channelsByID[ch.channelID] = ch
	m.Unlock()
}

// Delete the secure channel from the server.
func (m *ChannelManager) Delete(ch *SecureChannel) {
	m.Lock()
	delete(m.channelsByID, ch.channelID)
	m.Unlock()
}

// All returns the open secure channels.
func (m *ChannelManager) All() []*SecureChannel {
	m.RLock()
	defer m.RUnlock()
	channels := make([]*SecureChannel, 0, len(m.channelsByID))
	for _, ch := range m.channelsByID {
		channels = append(channels, ch)
	}
	return channels
}

// Len returns the number of secure channels.
func (m *ChannelManager) Len() int {
	m.RLock()
	defer m.RUnlock()
	return len(m.channelsByID)
}

func (m *ChannelManager) checkForClosedChannels() {
	m.Lock()
	defer m.Unlock()
	for k, ch := range m.channelsByID {
		if ch.Closed() {
			delete(m.channelsByID, k)
			log.WithFields(log.Fields{
				"channel": ch.channelID,
				"open":    len(m.channelsByID),
			}).Info("deleted expired channel")
		}
	}
}

func (m *ChannelManager) closeChannels() {
	m.RLock()
	channels := make([]*SecureChannel, 0, len(m.channelsByID))
	for _, ch := range m.channelsByID {
		channels = append(channels, ch)
	}
	m.RUnlock()
	for _, ch := range channels {
		ch.Close()
	}
}
