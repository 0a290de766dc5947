package voip

import "github.com/tgvoip/tgvoip-go/pkg/cryptofacade"

// kdf1 is the legacy key-derivation function (§6 KDF1): it combines the
// 16-byte msgKey with four disjoint slices of the 256-byte shared secret
// through SHA-1 and concatenates fragments of the four digests into a
// 32-byte AES key and a 32-byte AES-IGE IV. x is 0 for packets sent by
// the outgoing-role side and 8 for packets sent by the other side (see
// encryptLegacy/decryptLegacy), selecting which part of the secret seeds
// the derivation (the two directions must derive distinct key material
// from one shared secret).
func kdf1(facade cryptofacade.Facade, secret []byte, msgKey [16]byte, x int) (aesKey, aesIV [32]byte) {
	sA := facade.SHA1(concat(msgKey[:], secret[x:x+32]))
	sB := facade.SHA1(concat(secret[32+x:48+x], msgKey[:], secret[48+x:64+x]))
	sC := facade.SHA1(concat(secret[64+x:96+x], msgKey[:]))
	sD := facade.SHA1(concat(msgKey[:], secret[96+x:128+x]))

	copy(aesKey[0:8], sA[0:8])
	copy(aesKey[8:20], sB[8:20])
	copy(aesKey[20:32], sC[4:16])

	copy(aesIV[0:12], sA[8:20])
	copy(aesIV[12:20], sB[0:8])
	copy(aesIV[20:24], sC[16:20])
	copy(aesIV[24:32], sD[0:8])
	return
}

// kdf2 is the MTProto-2 key-derivation function (§6 KDF2): it combines
// msgKey with two 36-byte slices of the shared secret through SHA-256,
// producing the AES key and IV by interleaving fragments of the two
// digests.
func kdf2(facade cryptofacade.Facade, secret []byte, msgKey [16]byte, x int) (aesKey, aesIV [32]byte) {
	sA := facade.SHA256(concat(msgKey[:], secret[x:x+36]))
	sB := facade.SHA256(concat(secret[40+x:76+x], msgKey[:]))

	copy(aesKey[0:8], sA[0:8])
	copy(aesKey[8:24], sB[8:24])
	copy(aesKey[24:32], sA[24:32])

	copy(aesIV[0:8], sB[0:8])
	copy(aesIV[8:24], sA[8:24])
	copy(aesIV[24:32], sB[24:32])
	return
}

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// keyFingerprint is the trailing 8 bytes of SHA1(secret), §6.
func keyFingerprint(facade cryptofacade.Facade, secret []byte) [8]byte {
	sum := facade.SHA1(secret)
	var fp [8]byte
	copy(fp[:], sum[12:20])
	return fp
}

// callIDFromSecret is the trailing 16 bytes of SHA256(secret), §6.
func callIDFromSecret(facade cryptofacade.Facade, secret []byte) [16]byte {
	sum := facade.SHA256(secret)
	var id [16]byte
	copy(id[:], sum[16:32])
	return id
}
