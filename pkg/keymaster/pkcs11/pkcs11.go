// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keystore.
//
// go-keystore is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

//go:build pkcs11

package pkcs11

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ThalesGroup/crypto11"
	"github.com/miekg/pkcs11"

	"github.com/jeremyhahn/go-keystore/pkg/encoding"
	"github.com/jeremyhahn/go-keystore/pkg/keymaster"
)

var curveOIDs = map[string]asn1.ObjectIdentifier{
	"P-256": {1, 2, 840, 10045, 3, 1, 7},
	"P-384": {1, 3, 132, 0, 34},
	"P-521": {1, 3, 132, 0, 35},
}

// Device is a keymaster backed by a PKCS#11 token.
type Device struct {
	mu   sync.Mutex
	cfg  *Config
	ctx  *crypto11.Context
	p11  *pkcs11.Ctx
	slot uint
}

// New opens the token named by cfg. crypto11 handles generation and
// signing; the raw module handle is used for key import and cleanup.
func New(cfg *Config) (keymaster.Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, err := crypto11.Configure(&crypto11.Config{
		Path:       cfg.Library,
		TokenLabel: cfg.TokenLabel,
		Pin:        cfg.PIN,
	})
	if err != nil {
		return nil, fmt.Errorf("pkcs11: failed to configure context: %w", err)
	}

	p := pkcs11.New(cfg.Library)
	if p == nil {
		ctx.Close()
		return nil, fmt.Errorf("pkcs11: failed to load library %s", cfg.Library)
	}
	if err := p.Initialize(); err != nil && err != pkcs11.Error(pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED) {
		ctx.Close()
		p.Destroy()
		return nil, fmt.Errorf("pkcs11: failed to initialize: %w", err)
	}

	d := &Device{cfg: cfg, ctx: ctx, p11: p}
	if d.slot, err = d.findSlot(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Device) Name() string {
	return DeviceName
}

func (d *Device) Capabilities() keymaster.Capabilities {
	return keymaster.Capabilities{
		SupportsImport: true,
		Algorithms:     []keymaster.Algorithm{keymaster.AlgorithmRSA, keymaster.AlgorithmEC},
	}
}

func (d *Device) Generate(alg keymaster.Algorithm, params *keymaster.KeyParams) ([]byte, error) {
	p := keymaster.KeyParams{}
	if params != nil {
		p = *params
	}
	p, err := p.Normalize(alg)
	if err != nil {
		return nil, err
	}

	id, err := newID()
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var signer crypto11.Signer
	switch alg {
	case keymaster.AlgorithmRSA:
		if p.PublicExponent != 65537 {
			return nil, fmt.Errorf("%w: public exponent %d", keymaster.ErrInvalidKeySize, p.PublicExponent)
		}
		signer, err = d.ctx.GenerateRSAKeyPairWithLabel([]byte(id), label(id), p.Size)
	case keymaster.AlgorithmEC:
		signer, err = d.ctx.GenerateECDSAKeyPairWithLabel([]byte(id), label(id), curve(p.Size))
	default:
		return nil, fmt.Errorf("%w: %s", keymaster.ErrUnsupportedAlgorithm, alg)
	}
	if err != nil {
		return nil, fmt.Errorf("pkcs11: key generation failed: %w", err)
	}
	return wrap(id, alg, signer.Public())
}

// Import creates private and public key objects from PKCS#8 material.
func (d *Device) Import(der []byte) ([]byte, error) {
	key, err := encoding.DecodePKCS8(der, nil)
	if err != nil {
		return nil, fmt.Errorf("pkcs11: %w", err)
	}
	alg, err := keymaster.AlgorithmOf(key.Public())
	if err != nil {
		return nil, err
	}

	id, err := newID()
	if err != nil {
		return nil, err
	}

	var priv, pub []*pkcs11.Attribute
	switch k := key.(type) {
	case *rsa.PrivateKey:
		priv, pub, err = rsaTemplates(k)
	case *ecdsa.PrivateKey:
		priv, pub, err = ecTemplates(k)
	default:
		err = fmt.Errorf("%w: %s", keymaster.ErrUnsupportedAlgorithm, alg)
	}
	if err != nil {
		return nil, err
	}
	common := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_ID, []byte(id)),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label(id)),
	}
	priv = append(priv, common...)
	pub = append(pub, common...)

	d.mu.Lock()
	defer d.mu.Unlock()

	err = d.withSession(func(session pkcs11.SessionHandle) error {
		if _, err := d.p11.CreateObject(session, priv); err != nil {
			return fmt.Errorf("pkcs11: failed to create private key: %w", err)
		}
		if _, err := d.p11.CreateObject(session, pub); err != nil {
			return fmt.Errorf("pkcs11: failed to create public key: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return wrap(id, alg, key.Public())
}

func (d *Device) PublicKey(keyBlob []byte) ([]byte, error) {
	kb, err := keymaster.ParseKeyBlob(keyBlob, DeviceName)
	if err != nil {
		return nil, err
	}
	return kb.Public, nil
}

func (d *Device) Sign(keyBlob, data []byte) ([]byte, error) {
	kb, err := keymaster.ParseKeyBlob(keyBlob, DeviceName)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	signer, err := d.find(kb.Label)
	if err != nil {
		return nil, err
	}
	return keymaster.SignWith(signer, rand.Reader, data)
}

// Verify uses the public key recorded in the blob; no token round trip is
// needed.
func (d *Device) Verify(keyBlob, data, signature []byte) error {
	kb, err := keymaster.ParseKeyBlob(keyBlob, DeviceName)
	if err != nil {
		return err
	}
	pub, err := encoding.DecodePublicKeyPKIX(kb.Public)
	if err != nil {
		return fmt.Errorf("%w: %v", keymaster.ErrInvalidKeyBlob, err)
	}
	return keymaster.VerifyWith(pub, data, signature)
}

func (d *Device) Delete(keyBlob []byte) error {
	kb, err := keymaster.ParseKeyBlob(keyBlob, DeviceName)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.withSession(func(session pkcs11.SessionHandle) error {
		return d.destroy(session, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_LABEL, []byte(kb.Label)),
		})
	})
}

// DeleteAll removes every key pair whose label carries LabelPrefix.
func (d *Device) DeleteAll() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	signers, err := d.ctx.FindAllKeyPairs()
	if err != nil {
		return fmt.Errorf("pkcs11: failed to enumerate keys: %w", err)
	}
	for _, s := range signers {
		attr, err := d.ctx.GetAttribute(s, crypto11.CkaLabel)
		if err != nil || attr == nil || !strings.HasPrefix(string(attr.Value), LabelPrefix) {
			continue
		}
		if err := s.Delete(); err != nil {
			return fmt.Errorf("pkcs11: failed to delete %s: %w", attr.Value, err)
		}
	}
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	if d.ctx != nil {
		err = d.ctx.Close()
		d.ctx = nil
	}
	if d.p11 != nil {
		d.p11.Destroy()
		d.p11 = nil
	}
	return err
}

func (d *Device) find(l string) (crypto11.Signer, error) {
	id, err := idFromLabel(l)
	if err != nil {
		return nil, err
	}
	signer, err := d.ctx.FindKeyPair([]byte(id), []byte(l))
	if err != nil {
		return nil, fmt.Errorf("pkcs11: failed to find key: %w", err)
	}
	if signer == nil {
		return nil, fmt.Errorf("%w: %s", keymaster.ErrKeyNotFound, l)
	}
	return signer, nil
}

func (d *Device) findSlot() (uint, error) {
	if d.cfg.Slot != nil {
		return *d.cfg.Slot, nil
	}
	slots, err := d.p11.GetSlotList(true)
	if err != nil {
		return 0, fmt.Errorf("pkcs11: failed to get slot list: %w", err)
	}
	for _, slot := range slots {
		info, err := d.p11.GetTokenInfo(slot)
		if err == nil && strings.TrimSpace(info.Label) == d.cfg.TokenLabel {
			return slot, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrTokenMissing, d.cfg.TokenLabel)
}

// withSession runs fn in a logged-in read/write session. The session is
// not logged out: C_Logout would end crypto11's sessions too.
func (d *Device) withSession(fn func(pkcs11.SessionHandle) error) error {
	session, err := d.p11.OpenSession(d.slot, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		return fmt.Errorf("pkcs11: failed to open session: %w", err)
	}
	defer d.p11.CloseSession(session)

	if d.cfg.PIN != "" {
		if err := d.p11.Login(session, pkcs11.CKU_USER, d.cfg.PIN); err != nil &&
			err != pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN) {
			return fmt.Errorf("pkcs11: login failed: %w", err)
		}
	}
	return fn(session)
}

func (d *Device) destroy(session pkcs11.SessionHandle, template []*pkcs11.Attribute) error {
	if err := d.p11.FindObjectsInit(session, template); err != nil {
		return fmt.Errorf("pkcs11: failed to init find: %w", err)
	}
	objs, _, err := d.p11.FindObjects(session, 10)
	if err != nil {
		d.p11.FindObjectsFinal(session)
		return fmt.Errorf("pkcs11: failed to find objects: %w", err)
	}
	if err := d.p11.FindObjectsFinal(session); err != nil {
		return fmt.Errorf("pkcs11: failed to finalize find: %w", err)
	}
	if len(objs) == 0 {
		return keymaster.ErrKeyNotFound
	}
	for _, obj := range objs {
		if err := d.p11.DestroyObject(session, obj); err != nil {
			return fmt.Errorf("pkcs11: failed to destroy object: %w", err)
		}
	}
	return nil
}

func rsaTemplates(k *rsa.PrivateKey) (priv, pub []*pkcs11.Attribute, err error) {
	if len(k.Primes) != 2 {
		return nil, nil, fmt.Errorf("%w: multi-prime RSA", keymaster.ErrUnsupportedAlgorithm)
	}
	k.Precompute()
	e := big.NewInt(int64(k.E)).Bytes()

	priv = []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS, k.N.Bytes()),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, e),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE_EXPONENT, k.D.Bytes()),
		pkcs11.NewAttribute(pkcs11.CKA_PRIME_1, k.Primes[0].Bytes()),
		pkcs11.NewAttribute(pkcs11.CKA_PRIME_2, k.Primes[1].Bytes()),
		pkcs11.NewAttribute(pkcs11.CKA_EXPONENT_1, k.Precomputed.Dp.Bytes()),
		pkcs11.NewAttribute(pkcs11.CKA_EXPONENT_2, k.Precomputed.Dq.Bytes()),
		pkcs11.NewAttribute(pkcs11.CKA_COEFFICIENT, k.Precomputed.Qinv.Bytes()),
	}
	pub = []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA),
		pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true),
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS, k.N.Bytes()),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, e),
	}
	return priv, pub, nil
}

func ecTemplates(k *ecdsa.PrivateKey) (priv, pub []*pkcs11.Attribute, err error) {
	oid, ok := curveOIDs[k.Curve.Params().Name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: curve %s", keymaster.ErrUnsupportedAlgorithm, k.Curve.Params().Name)
	}
	params, err := asn1.Marshal(oid)
	if err != nil {
		return nil, nil, err
	}
	ecdhPub, err := k.PublicKey.ECDH()
	if err != nil {
		return nil, nil, err
	}
	point, err := asn1.Marshal(ecdhPub.Bytes())
	if err != nil {
		return nil, nil, err
	}
	scalar := k.D.FillBytes(make([]byte, (k.Curve.Params().BitSize+7)/8))

	priv = []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
		pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, params),
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, scalar),
	}
	pub = []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC),
		pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true),
		pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, params),
		pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, point),
	}
	return priv, pub, nil
}

func wrap(id string, alg keymaster.Algorithm, pub crypto.PublicKey) ([]byte, error) {
	der, err := encoding.EncodePublicKeyPKIX(pub)
	if err != nil {
		return nil, err
	}
	kb := &keymaster.KeyBlob{
		Device:    DeviceName,
		Algorithm: alg,
		Label:     string(label(id)),
		Public:    der,
	}
	return kb.Marshal()
}

func newID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("pkcs11: failed to generate key id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func curve(size int) elliptic.Curve {
	switch size {
	case 384:
		return elliptic.P384()
	case 521:
		return elliptic.P521()
	}
	return elliptic.P256()
}

var _ keymaster.Device = (*Device)(nil)
