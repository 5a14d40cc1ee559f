package engine

import (
	"crypto/sha1" // nolint:gosec // BitTorrent piece hashes are SHA-1 by protocol definition
	"net"

	"github.com/kagenova/btswarm/internal/bitfield"
	"github.com/kagenova/btswarm/internal/infodownloader"
	"github.com/kagenova/btswarm/internal/metainfo"
	"github.com/kagenova/btswarm/internal/peer"
	"github.com/kagenova/btswarm/internal/peerprotocol"
	"github.com/kagenova/btswarm/internal/piece"
	"github.com/kagenova/btswarm/internal/downloader/piecedownloader"
	"github.com/kagenova/btswarm/internal/piecewriter"
	"github.com/kagenova/btswarm/internal/uploader"
)

// handlePeerMessage dispatches one non-piece wire message from pm.Peer.
func (t *torrent) handlePeerMessage(pm peerMessage) {
	pe := pm.Peer
	switch m := pm.Message.(type) {
	case peerprotocol.ChokeMessage:
		pe.PeerChoking = true
		if pd, ok := t.pieceDownloaders[pe]; ok {
			select {
			case pd.ChokeC <- struct{}{}:
			case <-t.doneC:
			}
		}
	case peerprotocol.UnchokeMessage:
		pe.PeerChoking = false
		if pd, ok := t.pieceDownloaders[pe]; ok {
			select {
			case pd.UnchokeC <- struct{}{}:
			case <-t.doneC:
			}
		} else {
			t.maybeStartDownload(pe)
		}
	case peerprotocol.InterestedMessage:
		pe.PeerInterest = true
	case peerprotocol.NotInterestedMessage:
		pe.PeerInterest = false
	case peerprotocol.HaveMessage:
		pe.SetHave(m.Index)
		if t.piecePicker != nil {
			t.piecePicker.HandlePeerHave(m.Index)
		}
		t.sendInterestedIfNeeded(pe)
		t.maybeStartDownload(pe)
	case peerprotocol.BitfieldMessage:
		numPieces := uint32(len(m.Data) * 8)
		if t.info != nil {
			numPieces = t.info.NumPieces
		}
		bf, err := bitfield.NewBytes(m.Data, numPieces)
		if err != nil {
			t.closePeer(pe)
			return
		}
		pe.SetBitfield(bf)
		if t.piecePicker != nil {
			t.piecePicker.HandlePeerBitfield(bf)
		}
		t.sendInterestedIfNeeded(pe)
		t.maybeStartDownload(pe)
	case peerprotocol.HaveAllMessage:
		t.setPeerHasEverything(pe)
		t.sendInterestedIfNeeded(pe)
		t.maybeStartDownload(pe)
	case peerprotocol.HaveNoneMessage:
		// nothing to record; peer's bitfield starts empty.
	case peerprotocol.RequestMessage:
		t.handleRequest(pe, m)
	case peerprotocol.CancelMessage:
		// uploader requests are served eagerly; a late cancel is
		// harmless and requires no bookkeeping here.
	case peerprotocol.RejectMessage:
		if pd, ok := t.pieceDownloaders[pe]; ok {
			select {
			case pd.RejectC <- peer.Request{Index: m.Index, Begin: m.Begin, Length: m.Length}:
			case <-t.doneC:
			}
		}
	case peerprotocol.PortMessage:
		// DHT port announcements are informational only; this engine
		// uses a single shared DHT node per listening port.
	case peerprotocol.ExtensionMessage:
		t.handleExtensionMessage(pe, m)
	}
}

func (t *torrent) sendInterestedIfNeeded(pe *peer.Peer) {
	interested := false
	if t.piecePicker != nil {
		_, interested = t.piecePicker.Pick(pe.HasPiece)
	}
	if interested && !pe.AmInterested {
		pe.AmInterested = true
		pe.Conn.SendMessage(peerprotocol.InterestedMessage{})
	} else if !interested && pe.AmInterested {
		pe.AmInterested = false
		pe.Conn.SendMessage(peerprotocol.NotInterestedMessage{})
	}
}

func (t *torrent) setPeerHasEverything(pe *peer.Peer) {
	if t.info == nil {
		return
	}
	for i := uint32(0); i < t.info.NumPieces; i++ {
		pe.SetHave(i)
		if t.piecePicker != nil {
			t.piecePicker.HandlePeerHave(i)
		}
	}
}

// maybeStartDownload starts a new PieceDownloader against pe if we are
// unchoked by it, it has something we need, and we aren't already
// downloading a piece from it.
func (t *torrent) maybeStartDownload(pe *peer.Peer) {
	if t.piecePicker == nil || pe.PeerChoking {
		return
	}
	if _, active := t.pieceDownloaders[pe]; active {
		return
	}
	idx, ok := t.piecePicker.Pick(pe.HasPiece)
	if !ok {
		return
	}
	t.piecePicker.MarkActive(idx)
	pi := t.pieces[idx]
	d := piecedownloader.New(pi, pe)
	stopC := make(chan struct{})
	t.pieceDownloaders[pe] = d
	t.pieceDownloaderStopC[pe] = stopC
	go d.Run(stopC)
	go t.pumpDownloader(pe, idx, d, stopC)
}

// pumpDownloader fans a single PieceDownloader's completion or error back
// into the owner goroutine's select loop, since Go cannot select over a
// dynamically sized set of channels directly.
func (t *torrent) pumpDownloader(pe *peer.Peer, idx uint32, d *piecedownloader.PieceDownloader, stopC chan struct{}) {
	select {
	case data := <-d.DoneC:
		select {
		case t.downloaderDoneC <- pieceDownloadResult{Peer: pe, Index: idx, Data: data}:
		case <-t.doneC:
		}
	case err := <-d.ErrC:
		select {
		case t.downloaderErrC <- pieceDownloadError{Peer: pe, Err: err}:
		case <-t.doneC:
		}
	case <-stopC:
	}
}

func (t *torrent) handleDownloaderDone(res pieceDownloadResult) {
	delete(t.pieceDownloaders, res.Peer)
	delete(t.pieceDownloaderStopC, res.Peer)
	pi := t.pieces[res.Index]
	sum := sha1.Sum(res.Data)
	if sum != pi.ExpectedHash {
		if t.piecePicker != nil {
			t.piecePicker.MarkInactive(res.Index)
		}
		t.resumerStats.BytesWasted += int64(len(res.Data))
		t.maybeStartDownload(res.Peer)
		return
	}
	pi.Complete = true
	pi.Verified = true
	t.resumerStats.BytesDownloaded += int64(len(res.Data))
	if t.pieceWriter != nil {
		t.pieceWriter.Submit(piecewriter.Request{Index: res.Index, Data: res.Data})
	}
	t.maybeStartDownload(res.Peer)
}

func (t *torrent) handleDownloaderError(res pieceDownloadError) {
	delete(t.pieceDownloaders, res.Peer)
	delete(t.pieceDownloaderStopC, res.Peer)
	t.log.Debugln("piece downloader error:", res.Err)
	t.closePeer(res.Peer)
}

// handlePieceMessage feeds an arrived block into the active downloader
// for its peer and accounts it for the choking algorithm.
func (t *torrent) handlePieceMessage(pm pieceMessage) {
	pe := pm.Peer
	pe.AddDownloaded(uint32(len(pm.Data)))
	t.chokePeriodDownloaded[pe] += int64(len(pm.Data))
	t.downloadSpeed.Update(int64(len(pm.Data)))
	d, ok := t.pieceDownloaders[pe]
	if !ok {
		return
	}
	blockIndex := pm.Begin / piece.BlockSize
	select {
	case d.PieceC <- piecedownloader.Block{Index: blockIndex, Data: pm.Data}:
	case <-t.doneC:
	}
}

func (t *torrent) handleRequest(pe *peer.Peer, m peerprotocol.RequestMessage) {
	if pe.AmChoking || t.uploaderPool == nil {
		return
	}
	t.uploaderPool.Submit(uploader.Request{Peer: pe, Index: m.Index, Begin: m.Begin, Length: m.Length})
	t.chokePeriodUploaded[pe] += int64(m.Length)
}

func (t *torrent) handleExtensionMessage(pe *peer.Peer, m peerprotocol.ExtensionMessage) {
	if m.ExtendedMessageID == peerprotocol.ExtensionIDHandshake {
		hs, err := peerprotocol.DecodeExtensionHandshake(m.Payload)
		if err != nil {
			return
		}
		for name, id := range hs.M {
			pe.ExtensionIDs[name] = id
		}
		if t.info == nil && hs.MetadataSize > 0 {
			t.maybeStartInfoDownload(pe, hs.MetadataSize)
		}
		return
	}
	if id, ok := pe.ExtensionID(peerprotocol.ExtensionNameMetadata); ok && m.ExtendedMessageID == id {
		t.handleMetadataMessage(pe, m.Payload)
		return
	}
	if t.config.PEXEnabled {
		if id, ok := pe.ExtensionID(peerprotocol.ExtensionNamePEX); ok && m.ExtendedMessageID == id {
			t.handlePEXMessage(m.Payload)
			return
		}
	}
}

func (t *torrent) maybeStartInfoDownload(pe *peer.Peer, metadataSize uint32) {
	if _, ok := pe.ExtensionID(peerprotocol.ExtensionNameMetadata); !ok {
		return
	}
	if len(t.infoDownloaders) > 0 {
		return
	}
	id := infodownloader.New(pe, metadataSize)
	t.infoDownloaders[pe] = id
	_ = id.RequestBlocks(4)
}

func (t *torrent) handleMetadataMessage(pe *peer.Peer, payload []byte) {
	hdr, consumed, err := peerprotocol.DecodeMetadataMessage(payload)
	if err != nil {
		return
	}
	switch hdr.Type {
	case peerprotocol.MetadataRequest:
		// this engine only fetches metadata for magnet-added swarms; it
		// never serves ut_metadata requests back to peers.
	case peerprotocol.MetadataData:
		id, ok := t.infoDownloaders[pe]
		if !ok {
			return
		}
		if err := id.GotBlock(hdr.Piece, payload[consumed:]); err != nil {
			t.closeInfoDownloader(pe)
			return
		}
		if id.Done() {
			t.finishInfoDownload(pe, id)
			return
		}
		_ = id.RequestBlocks(4)
	case peerprotocol.MetadataReject:
		t.closeInfoDownloader(pe)
	}
}

func (t *torrent) finishInfoDownload(pe *peer.Peer, id *infodownloader.InfoDownloader) {
	if !id.VerifyIdentity(t.infoHash) {
		t.closeInfoDownloader(pe)
		return
	}
	info, err := metainfo.NewInfo(id.Bytes)
	if err != nil {
		t.closeInfoDownloader(pe)
		return
	}
	t.info = info
	delete(t.infoDownloaders, pe)
	if err := t.initInfo(); err != nil {
		t.stop(err)
		return
	}
	t.start()
}

func (t *torrent) handlePEXMessage(payload []byte) {
	m, err := peerprotocol.DecodePEXMessage(payload)
	if err != nil {
		return
	}
	addrs := compactPeersToAddrs(m.Added)
	if len(addrs) > 0 {
		t.handleNewPeers(addrs)
	}
}

func compactPeersToAddrs(b []byte) []*net.TCPAddr {
	var out []*net.TCPAddr
	for i := 0; i+6 <= len(b); i += 6 {
		ip := net.IP(b[i : i+4])
		port := int(b[i+4])<<8 | int(b[i+5])
		out = append(out, &net.TCPAddr{IP: ip, Port: port})
	}
	return out
}
