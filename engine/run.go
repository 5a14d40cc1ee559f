package engine

import (
	"errors"
	"net"
	"time"

	"github.com/kagenova/btswarm/internal/addrlist"
	"github.com/kagenova/btswarm/internal/allocator"
	"github.com/kagenova/btswarm/internal/announcer"
	"github.com/kagenova/btswarm/internal/eventbus"
	"github.com/kagenova/btswarm/internal/handshaker/incominghandshaker"
	"github.com/kagenova/btswarm/internal/handshaker/outgoinghandshaker"
	"github.com/kagenova/btswarm/internal/peer"
	"github.com/kagenova/btswarm/internal/peerconn"
	"github.com/kagenova/btswarm/internal/peerprotocol"
	"github.com/kagenova/btswarm/internal/downloader/piecedownloader"
	"github.com/kagenova/btswarm/internal/piecewriter"
	"github.com/kagenova/btswarm/internal/uploader"
	"github.com/kagenova/btswarm/internal/verifier"
)

var errClosed = errors.New("swarm is closed")

// run is the swarm's event loop: the sole goroutine that touches t's
// unexported fields, aside from actor goroutines (handshakers,
// allocator, verifier, piece writer, uploader, announcers, piece
// downloaders) that only ever communicate with it over a channel.
func (t *torrent) run() {
	defer close(t.doneC)
	for {
		select {
		case done := <-t.closeC:
			t.close()
			close(done)
			return
		case <-t.startCommandC:
			t.start()
		case <-t.stopCommandC:
			t.stop(nil)
		case <-t.pauseCommandC:
			t.pause()
		case <-t.resumeCommandC:
			t.unpause()
		case req := <-t.statsCommandC:
			req.Response <- t.stats()
		case req := <-t.trackersCommandC:
			req.Response <- t.trackerStatuses()
		case req := <-t.peersCommandC:
			req.Response <- t.peerAddrs()
		case al := <-t.allocatorResultC:
			t.handleAllocationDone(al)
		case ve := <-t.verifierResultC:
			t.handleVerificationDone(ve)
		case addrs := <-t.addrsFromTrackers:
			t.handleNewPeers(addrs)
		case addrs := <-t.addPeersCommandC:
			t.handleNewPeers(addrs)
		case addrs := <-t.dhtPeersC:
			t.handleNewPeers(addrs)
		case conn := <-t.incomingConnC:
			t.handleIncomingConn(conn)
		case req := <-t.announcerRequestC:
			tr := t.announceFields()
			select {
			case req.Response <- announcer.Response{Torrent: tr}:
			case <-req.Cancel:
			}
		case pw := <-t.pieceWriterResultC:
			t.handlePieceWritten(pw)
		case ur := <-t.uploaderResultC:
			t.handleUploadDone(ur)
		case res := <-t.downloaderDoneC:
			t.handleDownloaderDone(res)
		case res := <-t.downloaderErrC:
			t.handleDownloaderError(res)
		case <-t.resumeWriteTimerC:
			t.writeBitfield(true)
		case <-t.statsWriteTickerC:
			t.writeStats()
		case <-t.speedCounterTickerC:
			t.downloadSpeed.Tick()
			t.uploadSpeed.Tick()
			t.checkSeedingLimits()
		case <-t.unchokeTimerC:
			t.tickUnchoke()
		case <-t.optimisticUnchokeTimerC:
			t.tickOptimisticUnchoke()
		case ih := <-t.incomingHandshakerResultC:
			delete(t.incomingHandshakers, ih.Handshaker)
			if ih.Error != nil {
				break
			}
			if t.st == Stopped || t.st == Paused {
				ih.Conn.CloseConn()
				break
			}
			t.startPeer(ih.Conn, t.incomingPeers)
		case oh := <-t.outgoingHandshakerResultC:
			delete(t.outgoingHandshakers, oh.Handshaker)
			if oh.Error != nil {
				delete(t.connectedPeerIPs, oh.Handshaker.Addr.IP.String())
				t.dialAddresses()
				break
			}
			if t.st == Stopped || t.st == Paused {
				oh.Conn.CloseConn()
				break
			}
			t.startPeer(oh.Conn, t.outgoingPeers)
		case pe := <-t.peerDisconnectedC:
			t.closePeer(pe)
		case pm := <-t.pieceMessages:
			t.handlePieceMessage(pm)
		case pm := <-t.messages:
			t.handlePeerMessage(pm)
		}
	}
}

func (t *torrent) close() {
	t.stop(errClosed)
	if t.stoppedEventAnnouncer != nil {
		t.stoppedEventAnnouncer.Close()
	}
	t.acceptor.Close()
}

func (t *torrent) emit(ev eventbus.Event) {
	ev.SwarmID = t.id
	t.emitter.Emit(ev)
}

func (t *torrent) deferWriteBitfield() {
	if t.resumeWriteTimer == nil {
		t.resumeWriteTimer = time.NewTimer(t.config.BitfieldWriteInterval)
		t.resumeWriteTimerC = t.resumeWriteTimer.C
	}
}

func (t *torrent) writeBitfield(stopOnError bool) {
	if t.resumeWriteTimer != nil {
		t.resumeWriteTimer.Stop()
		t.resumeWriteTimer = nil
		t.resumeWriteTimerC = nil
	}
	if err := t.persistResume(); err != nil {
		t.log.Errorln("cannot write resume state:", err)
		if stopOnError {
			t.stop(err)
		}
	}
}

func (t *torrent) closePeer(pe *peer.Peer) {
	pe.Conn.Close()
	if pd, ok := t.pieceDownloaders[pe]; ok {
		t.closePieceDownloader(pe, pd)
	}
	if _, ok := t.infoDownloaders[pe]; ok {
		t.closeInfoDownloader(pe)
	}
	delete(t.peers, pe)
	delete(t.incomingPeers, pe)
	delete(t.outgoingPeers, pe)
	delete(t.peersSnubbed, pe)
	delete(t.peerIDs, pe.ID())
	delete(t.connectedPeerIPs, pe.Conn.IP())
	delete(t.chokePeriodDownloaded, pe)
	delete(t.chokePeriodUploaded, pe)
	if t.piecePicker != nil && pe.Bitfield != nil {
		t.piecePicker.HandlePeerGone(pe.Bitfield)
	}
	t.dialAddresses()
}

func (t *torrent) closePieceDownloader(pe *peer.Peer, pd *piecedownloader.PieceDownloader) {
	if stopC, ok := t.pieceDownloaderStopC[pe]; ok {
		close(stopC)
		delete(t.pieceDownloaderStopC, pe)
	}
	delete(t.pieceDownloaders, pe)
	delete(t.pieceDownloadersSnubbed, pe)
	if t.piecePicker != nil {
		t.piecePicker.MarkInactive(pd.Piece.Index)
	}
}

func (t *torrent) closeInfoDownloader(pe *peer.Peer) {
	delete(t.infoDownloaders, pe)
	delete(t.infoDownloadersSnubbed, pe)
}

func (t *torrent) handleNewPeers(addrs []*net.TCPAddr) {
	t.log.Debugf("received %d candidate peer addresses", len(addrs))
	if t.st == Stopped || t.st == Paused {
		return
	}
	if !t.completed {
		t.addrList.PushMany(addrs)
		t.dialAddresses()
	}
}

func (t *torrent) dialAddresses() {
	if t.completed || t.st == Stopped || t.st == Paused {
		return
	}
	for len(t.outgoingPeers)+len(t.outgoingHandshakers) < t.config.MaxPeerDial {
		addr, ok := t.addrList.Pop()
		if !ok {
			break
		}
		if t.blocklist != nil && t.blocklist.Blocked(addr.IP) {
			t.addrList.DialFinished(addr)
			continue
		}
		ip := addr.IP.String()
		if _, dup := t.connectedPeerIPs[ip]; dup {
			t.addrList.DialFinished(addr)
			continue
		}
		t.connectedPeerIPs[ip] = struct{}{}
		h := outgoinghandshaker.New(addr, t.peerID, t.infoHash, true, true, t.config.DHTEnabled, t.outgoingHandshakerResultC)
		t.outgoingHandshakers[h] = struct{}{}
		go h.Run()
	}
}

func (t *torrent) handleIncomingConn(conn net.Conn) {
	if len(t.incomingHandshakers)+len(t.incomingPeers) >= t.config.MaxPeerAccept {
		conn.Close()
		return
	}
	ip, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		conn.Close()
		return
	}
	if t.blocklist != nil && t.blocklist.Blocked(ip.IP) {
		conn.Close()
		return
	}
	if _, dup := t.connectedPeerIPs[ip.IP.String()]; dup {
		conn.Close()
		return
	}
	t.connectedPeerIPs[ip.IP.String()] = struct{}{}
	lookup := func(ih [20]byte) bool { return ih == t.infoHash }
	h := incominghandshaker.New(conn, t.peerID, true, true, t.config.DHTEnabled, lookup, t.incomingHandshakerResultC)
	t.incomingHandshakers[h] = struct{}{}
	go h.Run()
}

func (t *torrent) startPeer(conn *peerconn.Conn, bucket map[*peer.Peer]struct{}) {
	if _, dup := t.peerIDs[conn.ID()]; dup {
		conn.CloseConn()
		t.dialAddresses()
		return
	}
	t.peerIDs[conn.ID()] = struct{}{}

	numPieces := uint32(0)
	if t.info != nil {
		numPieces = t.info.NumPieces
	}
	pe := peer.New(conn, numPieces)
	t.peers[pe] = struct{}{}
	bucket[pe] = struct{}{}

	go conn.Run()
	done := make(chan struct{})
	go t.pumpPeer(pe, done)
	go func() {
		<-done
		select {
		case t.peerDisconnectedC <- pe:
		case <-t.doneC:
		}
	}()

	t.sendFirstMessage(pe)
	if len(t.peers) <= t.config.UnchokedPeers {
		t.unchokePeer(pe)
	}
}

// pumpPeer drains conn's decoded messages into the swarm's message
// channels until the connection closes. conn.Messages() is closed when
// conn.Run's reader loop returns (on a read error or Close), so this
// goroutine's range loop ending is what signals disconnection to the
// waiter on done.
func (t *torrent) pumpPeer(pe *peer.Peer, done chan struct{}) {
	defer close(done)
	for im := range pe.Conn.Messages() {
		if pm, ok := im.Message.(peerprotocol.PieceMessage); ok {
			if t.throttler != nil {
				remaining := int64(len(im.BlockData))
				for remaining > 0 {
					ask := remaining
					if share := t.throttler.FairShareDownload(t.id); share > 0 && ask > share {
						ask = share
					}
					granted := t.throttler.RequestDownload(ask)
					if granted <= 0 {
						continue
					}
					remaining -= granted
				}
			}
			select {
			case t.pieceMessages <- pieceMessage{Peer: pe, Index: pm.Index, Begin: pm.Begin, Data: im.BlockData}:
			case <-t.doneC:
				return
			}
			continue
		}
		select {
		case t.messages <- peerMessage{Peer: pe, Message: im.Message}:
		case <-t.doneC:
			return
		}
	}
}

func (t *torrent) sendFirstMessage(pe *peer.Peer) {
	switch {
	case pe.Conn.FastExtension() && t.bitfield != nil && t.bitfield.All():
		pe.Conn.SendMessage(peerprotocol.HaveAllMessage{})
	case pe.Conn.FastExtension() && (t.bitfield == nil || t.bitfield.Count() == 0):
		pe.Conn.SendMessage(peerprotocol.HaveNoneMessage{})
	case t.bitfield != nil:
		data := make([]byte, len(t.bitfield.Bytes()))
		copy(data, t.bitfield.Bytes())
		pe.Conn.SendMessage(peerprotocol.BitfieldMessage{Data: data})
	}
	if !pe.Conn.ExtensionProtocol() {
		return
	}
	var metadataSize uint32
	if t.info != nil {
		metadataSize = t.info.InfoSize
	}
	hs := peerprotocol.NewExtensionHandshake(metadataSize, t.config.ExtensionHandshakeClientVersion, pe.Addr().IP)
	pe.Conn.SendMessage(peerprotocol.ExtensionMessage{ExtendedMessageID: peerprotocol.ExtensionIDHandshake, Payload: hs.Encode()})
}

func (t *torrent) chokePeer(pe *peer.Peer) {
	if !pe.AmChoking {
		pe.AmChoking = true
		pe.Conn.SendMessage(peerprotocol.ChokeMessage{})
	}
}

func (t *torrent) unchokePeer(pe *peer.Peer) {
	if pe.AmChoking {
		pe.AmChoking = false
		pe.Conn.SendMessage(peerprotocol.UnchokeMessage{})
	}
}

func (t *torrent) checkCompletion() bool {
	if t.completed {
		return true
	}
	if t.bitfield == nil || !t.bitfield.All() {
		return false
	}
	t.log.Info("download completed")
	t.completed = true
	close(t.completeC)
	t.emit(eventbus.Event{Type: eventbus.EventDone})
	for pe := range t.peers {
		if !pe.PeerInterest {
			t.closePeer(pe)
		}
	}
	t.addrList = addrlist.New(2000)
	t.piecePicker = nil
	t.seedStartedAt = time.Now()
	t.seedDurationUpdatedAt = t.seedStartedAt
	t.setState(Seeding)
	return true
}

func (t *torrent) writeStats() {
	t.updateSeedDuration()
	_ = t.persistResume()
}

func (t *torrent) updateSeedDuration() {
	if t.completed && !t.seedStartedAt.IsZero() {
		now := time.Now()
		if !t.seedDurationUpdatedAt.IsZero() {
			t.resumerStats.SeededFor += now.Sub(t.seedDurationUpdatedAt)
		}
		t.seedDurationUpdatedAt = now
	}
}

func (t *torrent) checkSeedingLimits() {
	if t.st != Seeding || t.config.SeedingLimitSeconds <= 0 {
		return
	}
	if t.resumerStats.SeededFor >= time.Duration(t.config.SeedingLimitSeconds)*time.Second {
		t.stop(nil)
	}
}

func (t *torrent) handleAllocationDone(res allocator.Result) {
	if res.Error != nil {
		t.stop(res.Error)
		return
	}
	t.fileMap = res.FileMap
	t.verifier = verifier.New(t.fileMap)
	go t.verifier.Run()
	t.setState(Checking)
}

func (t *torrent) handleVerificationDone(res verifier.Result) {
	for idx := range res.Valid {
		t.bitfield.Set(idx)
		if t.piecePicker != nil {
			t.piecePicker.MarkComplete(idx)
		}
		t.pieces[idx].Complete = true
		t.pieces[idx].Verified = true
	}
	t.pieceWriter = piecewriter.New(t.fileMap, 0)
	t.uploaderPool = uploader.New(t.id, t.fileMap, t.throttler, 0)
	if t.checkCompletion() {
		t.startTimers()
		return
	}
	t.setState(Downloading)
	t.startAnnouncing()
	t.startTimers()
}

func (t *torrent) startTimers() {
	if t.unchokeTimer != nil {
		return
	}
	t.unchokeTimer = time.NewTicker(uploader.UnchokeInterval)
	t.unchokeTimerC = t.unchokeTimer.C
	t.optimisticUnchokeTimer = time.NewTicker(uploader.OptimisticUnchokeInterval)
	t.optimisticUnchokeTimerC = t.optimisticUnchokeTimer.C
	t.statsWriteTicker = time.NewTicker(15 * time.Second)
	t.statsWriteTickerC = t.statsWriteTicker.C
	t.speedCounterTicker = time.NewTicker(time.Second)
	t.speedCounterTickerC = t.speedCounterTicker.C
}

func (t *torrent) stopTimers() {
	if t.unchokeTimer != nil {
		t.unchokeTimer.Stop()
		t.unchokeTimer = nil
		t.unchokeTimerC = nil
	}
	if t.optimisticUnchokeTimer != nil {
		t.optimisticUnchokeTimer.Stop()
		t.optimisticUnchokeTimer = nil
		t.optimisticUnchokeTimerC = nil
	}
	if t.statsWriteTicker != nil {
		t.statsWriteTicker.Stop()
		t.statsWriteTicker = nil
		t.statsWriteTickerC = nil
	}
	if t.speedCounterTicker != nil {
		t.speedCounterTicker.Stop()
		t.speedCounterTicker = nil
		t.speedCounterTickerC = nil
	}
}

func (t *torrent) handlePieceWritten(res piecewriter.Result) {
	if res.Error != nil {
		t.stop(res.Error)
		return
	}
	t.bitfield.Set(res.Index)
	if t.piecePicker != nil {
		t.piecePicker.MarkComplete(res.Index)
	}
	t.pieces[res.Index].Complete = true
	t.pieces[res.Index].Verified = true
	t.emit(eventbus.Event{Type: eventbus.EventPieceComplete, PieceIndex: res.Index})
	for pe := range t.peers {
		pe.Conn.SendMessage(peerprotocol.HaveMessage{Index: res.Index})
	}
	completed := t.checkCompletion()
	if completed {
		t.writeBitfield(true)
	} else {
		t.deferWriteBitfield()
	}
}

func (t *torrent) handleUploadDone(res uploader.Result) {
	if res.Error != nil {
		t.log.Debugln("upload error:", res.Error)
		return
	}
	t.uploadSpeed.Update(int64(res.Length))
}

func (t *torrent) announceFields() announcer.Torrent {
	var left int64
	if t.info != nil {
		left = t.info.Length - t.bytesCompleted()
	}
	return announcer.Torrent{
		InfoHash:        t.infoHash,
		PeerID:          t.peerID,
		Port:            t.port,
		BytesDownloaded: t.resumerStats.BytesDownloaded,
		BytesUploaded:   t.resumerStats.BytesUploaded,
		BytesLeft:       left,
	}
}

func (t *torrent) bytesCompleted() int64 {
	if t.info == nil || t.bitfield == nil {
		return 0
	}
	var n int64
	for i := uint32(0); i < t.info.NumPieces; i++ {
		if t.bitfield.Test(i) {
			n += t.info.PieceLengthAt(int(i))
		}
	}
	return n
}

func (t *torrent) setState(s state) {
	if t.st == s {
		return
	}
	t.st = s
	t.emit(eventbus.Event{Type: eventbus.EventStateChanged, State: s.String()})
}
