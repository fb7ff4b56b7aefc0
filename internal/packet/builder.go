package packet

import (
	"github.com/TerryTreepool/block-sub002/internal/crypto"
	"github.com/TerryTreepool/block-sub002/internal/errs"
)

// Signer carries the key material and sign-time a Builder salts a
// packet's signature with. A nil *Signer means the packet is sent
// unsigned.
type Signer struct {
	Key      *crypto.PrivateKey
	SignTime uint64
}

// Builder fragments a logical packet (header + header extension + body
// + optional signature) into MTU-bounded datagrams. The header
// extension is serialized once and repeated verbatim on every fragment;
// the body and signature suffix are concatenated into a single payload
// and sliced at MTU boundaries, so the signature may spill into
// whichever fragment follows the body's tail — the Assembler
// reconstructs it by concatenating fragments back in order and parsing
// the body, then the signature, off the combined tail.
type Builder struct {
	MTU int
}

// Build produces the ordered fragments of one logical packet.
func (b Builder) Build(seq Sequence, cmd MajorCommand, timestamp uint64, ext HeaderExt, body Body, signer *Signer) ([][]byte, error) {
	extBytes, err := ext.Serialize(nil)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidParam, op+".Builder.Build", "ext", err)
	}

	bodyBytes, err := body.Serialize(nil)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidParam, op+".Builder.Build", "body", err)
	}

	var sig *Signature
	if signer != nil {
		signPayload := make([]byte, 0, len(extBytes)+len(bodyBytes))
		signPayload = append(signPayload, extBytes...)
		signPayload = append(signPayload, bodyBytes...)

		sigBytes, err := crypto.Sign(signer.Key, signPayload, signer.SignTime)
		if err != nil {
			return nil, errs.Wrap(errs.CryptoSign, op+".Builder.Build", "", err)
		}
		sig = &Signature{SignTime: signer.SignTime, KeyType: signer.Key.Type, Sig: sigBytes}
	}

	sigWire, err := SerializeSignature(nil, sig)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidParam, op+".Builder.Build", "signature", err)
	}

	payload := make([]byte, 0, len(bodyBytes)+len(sigWire))
	payload = append(payload, bodyBytes...)
	payload = append(payload, sigWire...)

	totalLength := len(extBytes) + len(payload)
	if totalLength > 0xFFFF {
		return nil, errs.New(errs.OutOfLimit, op+".Builder.Build")
	}

	chunkCap := b.MTU - HeaderSize - len(extBytes)
	if chunkCap <= 0 {
		return nil, errs.New(errs.OutOfLimit, op+".Builder.Build")
	}

	numFragments := 1
	if len(payload) > 0 {
		numFragments = (len(payload) + chunkCap - 1) / chunkCap
	}
	if numFragments > 0xFF {
		return nil, errs.New(errs.OutOfLimit, op+".Builder.Build")
	}

	fragments := make([][]byte, 0, numFragments)
	for i := 0; i < numFragments; i++ {
		start := i * chunkCap
		end := start + chunkCap
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[start:end]

		header := Header{
			Version:       Version,
			MajorCommand:  cmd,
			Sequence:      seq,
			Timestamp:     timestamp,
			FragmentIndex: uint8(i),
			FragmentCount: uint8(numFragments),
			Length:        uint16(totalLength),
		}

		buf := make([]byte, 0, HeaderSize+len(extBytes)+len(chunk))
		buf, err = header.Serialize(buf)
		if err != nil {
			return nil, err
		}
		buf = append(buf, extBytes...)
		buf = append(buf, chunk...)

		fragments = append(fragments, buf)
	}

	return fragments, nil
}
