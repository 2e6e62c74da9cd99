package syncer

import (
	"github.com/SchoolAI/loro-extended-sub004/internal/channel"
	"github.com/SchoolAI/loro-extended-sub004/internal/clock"
	"github.com/SchoolAI/loro-extended-sub004/internal/identity"
	"github.com/SchoolAI/loro-extended-sub004/internal/peer"
	"github.com/SchoolAI/loro-extended-sub004/internal/protocol"
	"github.com/SchoolAI/loro-extended-sub004/internal/rules"
	"github.com/SchoolAI/loro-extended-sub004/internal/store"
)

// Reduce is the Synchronizer's entire logic: a total, pure function from
// (Model, Msg) to (Model', Command). It never blocks and never panics on
// malformed input — protocol violations are dropped without a
// transition.
func Reduce(m Model, msg Msg) (Model, Command) {
	switch t := msg.(type) {
	case ChannelAdded:
		return reduceChannelAdded(m, t)
	case ChannelRemoved:
		return reduceChannelRemoved(m, t)
	case EstablishChannel:
		return reduceEstablishChannel(m, t)
	case DocEnsure:
		return reduceDocEnsure(m, t)
	case LocalDocChange:
		return reduceLocalDocChange(m, t)
	case DocDelete:
		return reduceDocDelete(m, t)
	case DocImported:
		return reduceDocImported(m, t)
	case ChannelReceiveMessage:
		return reduceChannelReceive(m, t)
	case Heartbeat:
		return reduceHeartbeat(m, t)
	case EphemeralLocalChange:
		return reduceEphemeralLocalChange(m, t)
	default:
		return m, nil
	}
}

func ruleCtx(m Model, ch *channel.Channel, docID string, ds *DocState) rules.Context {
	ctx := rules.Context{
		ChannelID: ch.ID,
		ChannelKind: ch.Kind,
		DocID:     docID,
	}
	if id, ok := ch.Identity(); ok {
		ctx.PeerName = id.Name
	}
	if ds != nil {
		ctx.Doc = ds.Doc
		if e, ok := ds.Channels[ch.ID]; ok {
			ctx.DocChannelState = e
		}
	}
	return ctx
}

// --- channel-added / channel-removed ---

func reduceChannelAdded(m Model, t ChannelAdded) (Model, Command) {
	return m.withChannel(t.Channel), nil
}

func reduceChannelRemoved(m Model, t ChannelRemoved) (Model, Command) {
	peerID, hadPeer := m.ChannelPeer[t.ChannelID]
	m = m.withoutChannel(t.ChannelID)
	if !hadPeer {
		return m, nil
	}
	for _, other := range m.ChannelPeer {
		if other == peerID {
			return m, nil
		}
	}
	// That was the last channel reaching this peer: its presence can be
	// evicted now instead of aging out of the stale window.
	return m, RemoveEphemeralPeer{PeerID: peerID}
}

// --- establishment ---

func reduceEstablishChannel(m Model, t EstablishChannel) (Model, Command) {
	ch, ok := m.Channels[t.ChannelID]
	if !ok || ch.IsEstablished() {
		// Idempotent: duplicate establish-channel signals for an
		// already-established channel do nothing.
		return m, nil
	}
	if !t.Initiator {
		return m, nil
	}
	return m, SendEstablishmentMessage{
		ChannelID: t.ChannelID,
		Message:   protocol.EstablishRequest{Identity: m.Local},
	}
}

// handleEstablishRequest commits the remote identity, replies with our
// own identity, and recomputes discovery/sync for every known doc.
func handleEstablishRequest(m Model, chID channel.ID, req protocol.EstablishRequest) (Model, Command) {
	ch, ok := m.Channels[chID]
	if !ok {
		return m, nil
	}
	if ch.IsEstablished() {
		existing, _ := ch.Identity()
		if existing.ID != req.Identity.ID {
			return m, StopChannel{ChannelID: chID, Reason: "identity mismatch on reconnect"}
		}
		// Duplicate establish-request: idempotent, no reset.
		return m, nil
	}
	if req.Attestation != nil {
		if err := identity.Verify(*req.Attestation, req.Identity); err != nil {
			return m, StopChannel{ChannelID: chID, Reason: "invalid identity attestation"}
		}
	}

	newCh := *ch
	newCh.Establish(req.Identity)
	m = m.withChannel(&newCh)
	m = ensurePeerRecord(m, req.Identity)
	m = m.withChannelPeer(chID, req.Identity.ID)

	resp := SendEstablishmentMessage{ChannelID: chID, Message: protocol.EstablishResponse{Identity: m.Local}}
	m, discoveryCmd := recomputeDiscoveryForChannel(m, chID)
	m, syncCmd := maybeSendSyncRequest(m, chID)
	return m, batch(resp, discoveryCmd, syncCmd)
}

func handleEstablishResponse(m Model, chID channel.ID, resp protocol.EstablishResponse) (Model, Command) {
	ch, ok := m.Channels[chID]
	if !ok {
		return m, nil
	}
	if ch.IsEstablished() {
		existing, _ := ch.Identity()
		if existing.ID != resp.Identity.ID {
			return m, StopChannel{ChannelID: chID, Reason: "identity mismatch on reconnect"}
		}
		return m, nil
	}
	newCh := *ch
	newCh.Establish(resp.Identity)
	m = m.withChannel(&newCh)
	m = ensurePeerRecord(m, resp.Identity)
	m = m.withChannelPeer(chID, resp.Identity.ID)

	m, discoveryCmd := recomputeDiscoveryForChannel(m, chID)
	m, syncCmd := maybeSendSyncRequest(m, chID)
	return m, batch(discoveryCmd, syncCmd)
}

func ensurePeerRecord(m Model, id peer.Identity) Model {
	if _, ok := m.Peers[id.ID]; ok {
		return m
	}
	return m.withPeer(newPeerRecord(id))
}

// recomputeDiscoveryForChannel evaluates canReveal for every known doc
// against the newly-established channel and aggregates a single
// directory-response.
func recomputeDiscoveryForChannel(m Model, chID channel.ID) (Model, Command) {
	ch := m.Channels[chID]
	if ch == nil {
		return m, nil
	}
	var revealed []string
	for docID, ds := range m.Docs {
		ctx := ruleCtx(m, ch, docID, ds)
		if m.Rules.CanRevealDoc(ctx) {
			ds = ds.clone()
			e := ds.entry(chID)
			e.Awareness = peer.AwarenessHasDoc
			ds.Channels[chID] = e
			m = m.withDoc(docID, ds)
			revealed = append(revealed, docID)
		}
	}
	if len(revealed) == 0 {
		return m, nil
	}
	return m, SendMessage{
		ChannelIDs: []channel.ID{chID},
		Message:    protocol.DirectoryResponse{DocIDs: revealed},
	}
}

// maybeSendSyncRequest issues a pull sync-request over a newly
// established channel for every doc it's allowed to see.
func maybeSendSyncRequest(m Model, chID channel.ID) (Model, Command) {
	ch := m.Channels[chID]
	if ch == nil {
		return m, nil
	}
	var docs []protocol.SyncDocRequest
	for docID, ds := range m.Docs {
		e := ds.entry(chID)
		if e.Awareness != peer.AwarenessHasDoc || e.SyncPending {
			continue
		}
		docs = append(docs, protocol.SyncDocRequest{
			DocID:               docID,
			RequesterDocVersion: ds.Doc.Version(),
		})
		cds := ds.clone()
		e.SyncPending = true
		cds.Channels[chID] = e
		m = m.withDoc(docID, cds)
	}
	if len(docs) == 0 {
		return m, nil
	}
	return m, SendSyncRequest{
		ChannelIDs: []channel.ID{chID},
		Message:    protocol.SyncRequest{Docs: docs, Bidirectional: true, IncludeEphemeral: true},
	}
}

// --- doc-ensure ---

func reduceDocEnsure(m Model, t DocEnsure) (Model, Command) {
	if _, ok := m.Docs[t.DocID]; ok {
		return m, nil
	}
	doc := m.Store.Ensure(t.DocID)
	ds := newDocState(t.DocID, doc)
	m = m.withDoc(t.DocID, ds)

	var cmds []Command
	cmds = append(cmds, SubscribeDoc{DocID: t.DocID})
	for chID, ch := range m.Channels {
		if !ch.IsEstablished() {
			continue
		}
		ctx := ruleCtx(m, ch, t.DocID, ds)
		ds2 := m.Docs[t.DocID].clone()
		e := ds2.entry(chID)
		if m.Rules.CanRevealDoc(ctx) {
			e.Awareness = peer.AwarenessHasDoc
			cmds = append(cmds, SendMessage{
				ChannelIDs: []channel.ID{chID},
				Message:    protocol.DirectoryResponse{DocIDs: []string{t.DocID}},
			})
		}
		// A direct pull goes out regardless of awareness: the remote
		// side may hold the doc without ever having revealed it, and an
		// explicit ensure is exactly the case where we ask anyway.
		e.SyncPending = true
		ds2.Channels[chID] = e
		m = m.withDoc(t.DocID, ds2)
		cmds = append(cmds, SendSyncRequest{
			ChannelIDs: []channel.ID{chID},
			Message: protocol.SyncRequest{
				Docs:             []protocol.SyncDocRequest{{DocID: t.DocID, RequesterDocVersion: doc.Version()}},
				IncludeEphemeral: true,
			},
		})
	}
	return m, batch(cmds...)
}

// --- doc-delete (local only) ---

func reduceDocDelete(m Model, t DocDelete) (Model, Command) {
	if _, ok := m.Docs[t.DocID]; !ok {
		return m, nil
	}
	m.Store.Delete(t.DocID)
	return m.withoutDoc(t.DocID), nil
}

// --- local-doc-change ---

func reduceLocalDocChange(m Model, t LocalDocChange) (Model, Command) {
	ds, ok := m.Docs[t.DocID]
	if !ok {
		return m, nil
	}
	var cmds []Command
	newDS := ds.clone()
	for chID, ch := range m.Channels {
		if !ch.IsEstablished() {
			continue
		}
		entry := newDS.entry(chID)

		ctx := ruleCtx(m, ch, t.DocID, newDS)
		revealNow := m.Rules.CanRevealDoc(ctx)
		if entry.Awareness != peer.AwarenessHasDoc && revealNow {
			entry.Awareness = peer.AwarenessHasDoc
			newDS.Channels[chID] = entry
			cmds = append(cmds, SendMessage{
				ChannelIDs: []channel.ID{chID},
				Message:    protocol.DirectoryResponse{DocIDs: []string{t.DocID}},
			})
		}
		if entry.Awareness != peer.AwarenessHasDoc {
			continue
		}
		if !m.Rules.CanUpdateDoc(ctx) {
			continue
		}

		pr := m.peerRecordFor(chID)
		since := clock.New()
		if pr != nil {
			since = pr.docState(t.DocID).LastKnownVersion
		}
		delta, err := newDS.Doc.Export(store.UpdateMode(since))
		if err != nil || len(delta) == 0 {
			continue
		}
		v := newDS.Doc.Version()
		if pr != nil {
			pr = pr.clone()
			pr.Docs[t.DocID] = pr.docState(t.DocID).WithVersion(v)
			m = m.withPeer(pr)
		}
		cmds = append(cmds, SendSyncResponse{
			ChannelID: chID,
			Message: protocol.SyncResponse{
				DocID:        t.DocID,
				Transmission: protocol.UpdateTransmission(delta),
			},
		})
	}
	m = m.withDoc(t.DocID, newDS)
	return m, batch(cmds...)
}

// --- doc-imported (post-import watermark) ---

func reduceDocImported(m Model, t DocImported) (Model, Command) {
	ds, ok := m.Docs[t.DocID]
	if !ok {
		return m, nil
	}
	if pr, ok := m.Peers[t.FromPeerID]; ok {
		pr = pr.clone()
		pr.Docs[t.DocID] = pr.docState(t.DocID).WithVersion(t.NewVersion).WithAwareness(peer.AwarenessHasDoc)
		m = m.withPeer(pr)
	}

	var cmds []Command
	newDS := ds.clone()
	for chID, ch := range m.Channels {
		if !ch.IsEstablished() || m.ChannelPeer[chID] != t.FromPeerID {
			continue
		}
		e := newDS.entry(chID)
		if e.Loading != LoadingFound {
			e.Loading = LoadingFound
			e.FoundVersion = t.NewVersion
			newDS.Channels[chID] = e
			cmds = append(cmds, EmitReadyStateChanged{DocID: t.DocID, ChannelID: chID, Kind: ch.Kind, Loading: LoadingFound})
		} else {
			e.FoundVersion = t.NewVersion
			newDS.Channels[chID] = e
		}
	}
	m = m.withDoc(t.DocID, newDS)
	return m, batch(cmds...)
}

// --- channel-receive-message ---

func reduceChannelReceive(m Model, t ChannelReceiveMessage) (Model, Command) {
	ch, ok := m.Channels[t.ChannelID]
	if !ok {
		return m, nil
	}
	switch msg := t.Message.(type) {
	case protocol.EstablishRequest:
		return handleEstablishRequest(m, t.ChannelID, msg)
	case protocol.EstablishResponse:
		return handleEstablishResponse(m, t.ChannelID, msg)
	case protocol.DirectoryRequest:
		return handleDirectoryRequest(m, ch)
	case protocol.DirectoryResponse:
		return handleDirectoryResponse(m, t.ChannelID, msg)
	case protocol.SyncRequest:
		return handleSyncRequest(m, t.ChannelID, msg)
	case protocol.SyncResponse:
		return handleSyncResponse(m, t.ChannelID, msg)
	case protocol.Ephemeral:
		return handleEphemeralMessage(m, t.ChannelID, msg)
	case protocol.Heartbeat:
		// Transport-level keepalive; no state transition required here
		// (eviction is driven by the runtime's own Heartbeat timer msg).
		return m, nil
	default:
		// Unknown/malformed payload: drop silently.
		return m, nil
	}
}

// --- directory ---

func handleDirectoryRequest(m Model, ch *channel.Channel) (Model, Command) {
	var revealed []string
	for docID, ds := range m.Docs {
		ctx := ruleCtx(m, ch, docID, ds)
		if m.Rules.CanRevealDoc(ctx) {
			revealed = append(revealed, docID)
			cds := ds.clone()
			e := cds.entry(ch.ID)
			e.Awareness = peer.AwarenessHasDoc
			cds.Channels[ch.ID] = e
			m = m.withDoc(docID, cds)
		}
	}
	return m, SendMessage{
		ChannelIDs: []channel.ID{ch.ID},
		Message:    protocol.DirectoryResponse{DocIDs: revealed},
	}
}

// handleDirectoryResponse creates a DocState for each announced docID we
// don't already track, marks the channel has-doc, subscribes, and pulls
// the announced content with a sync-request.
func handleDirectoryResponse(m Model, chID channel.ID, resp protocol.DirectoryResponse) (Model, Command) {
	var cmds []Command
	var pull []protocol.SyncDocRequest
	for _, docID := range resp.DocIDs {
		ds, known := m.Docs[docID]
		if !known {
			doc := m.Store.Ensure(docID)
			ds = newDocState(docID, doc)
			cmds = append(cmds, SubscribeDoc{DocID: docID})
		} else {
			ds = ds.clone()
		}
		e := ds.entry(chID)
		e.Awareness = peer.AwarenessHasDoc
		if !e.SyncPending {
			e.SyncPending = true
			pull = append(pull, protocol.SyncDocRequest{DocID: docID, RequesterDocVersion: ds.Doc.Version()})
		}
		ds.Channels[chID] = e
		m = m.withDoc(docID, ds)
	}
	if len(pull) > 0 {
		cmds = append(cmds, SendSyncRequest{
			ChannelIDs: []channel.ID{chID},
			Message:    protocol.SyncRequest{Docs: pull, IncludeEphemeral: true},
		})
	}
	return m, batch(cmds...)
}

// --- sync ---

func handleSyncRequest(m Model, chID channel.ID, req protocol.SyncRequest) (Model, Command) {
	ch := m.Channels[chID]
	if ch == nil {
		return m, nil
	}
	var cmds []Command
	// pullBack collects docs we should turn around and request ourselves:
	// every tracked doc when the requester asked for bidirectional sync,
	// plus any doc where we strictly precede the requester and
	// bidirectional doesn't already cover the reverse direction.
	var pullBack []string

	for _, dr := range req.Docs {
		ds, haveDoc := m.Docs[dr.DocID]
		ctx := ruleCtx(m, ch, dr.DocID, ds)

		if !haveDoc || !m.Rules.CanUpdateDoc(ctx) {
			if !haveDoc {
				var cds *DocState
				if ds != nil {
					cds = ds.clone()
				}
				if cds != nil {
					e := cds.entry(chID)
					e.Awareness = peer.AwarenessNoDoc
					cds.Channels[chID] = e
					m = m.withDoc(dr.DocID, cds)
				}
			}
			cmds = append(cmds, SendSyncResponse{
				ChannelID: chID,
				Message:   protocol.SyncResponse{DocID: dr.DocID, Transmission: protocol.Unavailable()},
			})
			continue
		}

		local := ds.Doc.Version()
		cmp := clock.Compare(local, dr.RequesterDocVersion)

		wantPull := req.Bidirectional
		var transmission protocol.Transmission
		switch cmp {
		case clock.Equal:
			transmission = protocol.UpToDate(local)
		case clock.After, clock.Concurrent:
			delta, err := ds.Doc.Export(store.UpdateMode(dr.RequesterDocVersion))
			if err != nil {
				transmission = protocol.Unavailable()
			} else {
				transmission = protocol.UpdateTransmission(delta)
			}
		case clock.Before:
			// We strictly precede the requester: reply up-to-date (from
			// our side there's nothing to send) and ask them for their
			// newer data.
			transmission = protocol.UpToDate(local)
			wantPull = true
		}

		resp := protocol.SyncResponse{DocID: dr.DocID, Transmission: transmission}
		if req.IncludeEphemeral && m.EphemeralSource != nil {
			resp.Ephemeral = m.EphemeralSource(dr.DocID)
		}
		cmds = append(cmds, SendSyncResponse{ChannelID: chID, Message: resp})

		pr := m.peerRecordFor(chID)
		if pr != nil {
			pr = pr.clone()
			prior := pr.docState(dr.DocID)
			// They hold at least what they claimed — and only that. A
			// delta we just queued may still be lost to a dropped frame,
			// so the watermark moves on their word, not our send attempt.
			merged := clock.Merge(prior.LastKnownVersion, dr.RequesterDocVersion)
			pr.Docs[dr.DocID] = prior.WithVersion(merged).WithAwareness(peer.AwarenessHasDoc)
			m = m.withPeer(pr)
		}

		cds := ds.clone()
		e := cds.entry(chID)
		e.Awareness = peer.AwarenessHasDoc
		if wantPull && !e.SyncPending {
			pullBack = append(pullBack, dr.DocID)
		}
		cds.Channels[chID] = e
		m = m.withDoc(dr.DocID, cds)
	}

	if len(pullBack) > 0 {
		// The requester just demonstrated it holds these docs, possibly
		// at a version ahead of ours. Re-enter the reducer with that fact
		// as an implicit directory announcement: the directory handler
		// owns the pull, including folding it into any sync-request
		// already in flight for the pair.
		cmds = append(cmds, Dispatch{Msg: ChannelReceiveMessage{
			ChannelID: chID,
			Message:   protocol.DirectoryResponse{DocIDs: pullBack},
		}})
	}

	return m, batch(cmds...)
}

func handleSyncResponse(m Model, chID channel.ID, resp protocol.SyncResponse) (Model, Command) {
	ch := m.Channels[chID]
	if ch == nil {
		return m, nil
	}
	pr := m.peerRecordFor(chID)

	var cmds []Command
	if resp.Ephemeral != nil {
		var fromPeer string
		if pr != nil {
			fromPeer = pr.Identity.ID
		}
		cmds = append(cmds, ApplyEphemeral{
			DocID:      resp.DocID,
			Namespace:  resp.Ephemeral.Namespace,
			FromPeerID: fromPeer,
			Data:       resp.Ephemeral.Data,
		})
	}

	ds, known := m.Docs[resp.DocID]
	switch resp.Transmission.Kind {
	case protocol.TransmissionUnavailable:
		if known {
			cds := ds.clone()
			e := cds.entry(chID)
			e.SyncPending = false
			if e.Loading != LoadingNotFound {
				e.Loading = LoadingNotFound
				cmds = append(cmds, EmitReadyStateChanged{DocID: resp.DocID, ChannelID: chID, Kind: ch.Kind, Loading: LoadingNotFound})
			}
			cds.Channels[chID] = e
			m = m.withDoc(resp.DocID, cds)
		}
		return m, batch(cmds...)

	case protocol.TransmissionUpToDate:
		if !known {
			return m, batch(cmds...)
		}
		cds := ds.clone()
		e := cds.entry(chID)
		e.SyncPending = false
		if e.Loading != LoadingFound {
			e.Loading = LoadingFound
			e.FoundVersion = resp.Transmission.Version
			cmds = append(cmds, EmitReadyStateChanged{DocID: resp.DocID, ChannelID: chID, Kind: ch.Kind, Loading: LoadingFound})
		}
		cds.Channels[chID] = e
		m = m.withDoc(resp.DocID, cds)

		if pr != nil {
			pr = pr.clone()
			prior := pr.docState(resp.DocID)
			// lastKnownVersion is monotone; an up-to-date reply can
			// only raise what we know the peer holds, never lower it.
			merged := clock.Merge(prior.LastKnownVersion, resp.Transmission.Version)
			pr.Docs[resp.DocID] = prior.WithVersion(merged).WithAwareness(peer.AwarenessHasDoc)
			m = m.withPeer(pr)
		}
		return m, batch(cmds...)

	case protocol.TransmissionSnapshot, protocol.TransmissionUpdate:
		if known {
			cds := ds.clone()
			e := cds.entry(chID)
			e.SyncPending = false
			cds.Channels[chID] = e
			m = m.withDoc(resp.DocID, cds)
		}
		var fromPeer string
		if pr != nil {
			fromPeer = pr.Identity.ID
		}
		cmds = append(cmds, ImportDocData{
			DocID:      resp.DocID,
			FromPeerID: fromPeer,
			Data:       resp.Transmission.Data,
			IsSnapshot: resp.Transmission.Kind == protocol.TransmissionSnapshot,
		})
		return m, batch(cmds...)
	}
	return m, batch(cmds...)
}

// --- ephemeral ---

func handleEphemeralMessage(m Model, chID channel.ID, msg protocol.Ephemeral) (Model, Command) {
	ch := m.Channels[chID]
	if ch == nil {
		return m, nil
	}
	pr := m.peerRecordFor(chID)
	var fromPeer string
	if pr != nil {
		fromPeer = pr.Identity.ID
	}

	cmds := []Command{
		ApplyEphemeral{DocID: msg.DocID, Namespace: msg.Namespace, FromPeerID: fromPeer, Data: msg.Data},
		EmitEphemeralChange{DocID: msg.DocID, Namespace: msg.Namespace},
	}

	if msg.HopsRemaining <= 0 {
		return m, batch(cmds...)
	}
	relayed := msg.Decremented()

	ds := m.Docs[msg.DocID]
	var targets []channel.ID
	for otherID, otherCh := range m.Channels {
		if otherID == chID || !otherCh.IsEstablished() {
			continue
		}
		ctx := ruleCtx(m, otherCh, msg.DocID, ds)
		if m.Rules.CanUpdateDoc(ctx) {
			targets = append(targets, otherID)
		}
	}
	if len(targets) > 0 {
		cmds = append(cmds, BroadcastEphemeral{ChannelIDs: targets, Message: relayed})
	}
	return m, batch(cmds...)
}

func reduceEphemeralLocalChange(m Model, t EphemeralLocalChange) (Model, Command) {
	ds := m.Docs[t.DocID]
	var targets []channel.ID
	for chID, ch := range m.Channels {
		if !ch.IsEstablished() {
			continue
		}
		if ds != nil && ds.entry(chID).Awareness != peer.AwarenessHasDoc {
			continue
		}
		ctx := ruleCtx(m, ch, t.DocID, ds)
		if m.Rules.CanUpdateDoc(ctx) {
			targets = append(targets, chID)
		}
	}
	if len(targets) == 0 {
		return m, nil
	}
	return m, BroadcastEphemeral{
		ChannelIDs: targets,
		Message: protocol.Ephemeral{
			DocID:         t.DocID,
			Namespace:     t.Namespace,
			Data:          t.Data,
			HopsRemaining: m.HopLimit,
		},
	}
}

// --- heartbeat ---

// reduceHeartbeat forwards the timer tick as a command: the reducer has
// no wall-clock state of its own — the ephemeral store owns the
// per-peer timestamps — so it delegates the staleness check to the
// ephemeral store via the executor.
func reduceHeartbeat(m Model, t Heartbeat) (Model, Command) {
	return m, SweepEphemeral{NowUnixMilli: t.NowUnixMilli}
}
