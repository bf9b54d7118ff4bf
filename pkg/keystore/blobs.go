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

package keystore

import (
	"github.com/jeremyhahn/go-keystore/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keystore/pkg/blob"
	"github.com/jeremyhahn/go-keystore/pkg/encoding"
	"github.com/jeremyhahn/go-keystore/pkg/keyname"
	"github.com/jeremyhahn/go-keystore/pkg/metrics"
	"github.com/jeremyhahn/go-keystore/pkg/storage"
	"github.com/jeremyhahn/go-keystore/pkg/types"
	"github.com/jeremyhahn/go-keystore/pkg/user"
)

// getBlob reads the blob at key, upgrading its format and moving fallback
// key pairs to hardware when possible. Upgrades never fail a read that
// would otherwise succeed. A typ other than TypeAny must match.
func (ks *KeyStore) getBlob(x *user.Session, key string, typ blob.Type) (*blob.Blob, types.ResponseCode) {
	b, err := x.Read(key)
	if err != nil {
		return nil, codeFor(err)
	}

	if b.Version < blob.CurrentVersion {
		b = ks.upgradeFormat(x, key, b, typ)
	}
	if b.Type == blob.TypeKeyPair && b.IsFallback() && ks.km.CanUpgrade() {
		b = ks.upgradeHardware(x, key, b)
	}

	if typ != blob.TypeAny && b.Type != typ {
		return nil, types.KeyNotFound
	}
	return b, types.NoError
}

func (ks *KeyStore) upgradeFormat(x *user.Session, key string, b *blob.Blob, typ blob.Type) *blob.Blob {
	log := ks.log.With(logger.String("key", key))

	res := blob.Upgrade(b, typ)
	if !res.Updated {
		return b
	}
	kind := metrics.UpgradeVersion

	if res.Reimport {
		der, err := encoding.PEMToPKCS8(b.Value, nil)
		if err != nil {
			log.Warn("legacy key pair is not PEM encoded", logger.Error(err))
			return b
		}
		keyBlob, fallback, err := ks.km.Import(der)
		if err != nil {
			log.Warn("failed to import legacy key pair", logger.Error(err))
			return b
		}
		b.Value = keyBlob
		b.SetFallback(fallback)
		kind = metrics.UpgradeReimport
	}

	if err := x.Write(key, b); err != nil {
		log.Warn("failed to rewrite upgraded blob", logger.Error(err))
		return b
	}
	metrics.RecordBlobUpgrade(kind)
	log.Info("upgraded blob", logger.Int("from_version", int(res.From)))

	again, err := x.Read(key)
	if err != nil {
		log.Warn("failed to re-read upgraded blob", logger.Error(err))
		return b
	}
	return again
}

// upgradeHardware moves a fallback key pair onto the hardware device. On
// any failure the fallback blob is kept.
func (ks *KeyStore) upgradeHardware(x *user.Session, key string, b *blob.Blob) *blob.Blob {
	log := ks.log.With(logger.String("key", key))

	keyBlob, err := ks.km.Upgrade(b.Value)
	if err != nil {
		log.Debug("fallback key pair stays in software", logger.Error(err))
		return b
	}

	upgraded := *b
	upgraded.Value = keyBlob
	upgraded.SetFallback(false)
	if err := x.Write(key, &upgraded); err != nil {
		log.Warn("failed to rewrite hardware key pair", logger.Error(err))
		if err := ks.km.Hardware().Delete(keyBlob); err != nil {
			log.Warn("failed to delete orphaned hardware key", logger.Error(err))
		}
		return b
	}
	metrics.RecordBlobUpgrade(metrics.UpgradeHardware)
	log.Info("moved key pair to hardware")
	return &upgraded
}

// resolve finds name for caller: first in the caller's namespace, then in
// the namespace the caller is aliased to, then among files granted to the
// caller. The first failure is reported when nothing matches.
func (ks *KeyStore) resolve(x *user.Session, caller uint32, name []byte, typ blob.Type) (*blob.Blob, types.ResponseCode) {
	b, code := ks.getBlob(x, ks.path(caller, name), typ)
	if code == types.NoError {
		return b, code
	}

	if euid := ks.policy.EffectiveUID(caller); euid != caller {
		if b, rc := ks.getBlob(x, ks.path(euid, name), typ); rc == types.NoError {
			return b, rc
		}
	}

	encoded := keyname.Encode(name)
	if _, _, ok := keyname.Parse(encoded); !ok {
		return nil, code
	}
	granted := storage.UserPath(x.UserID(), encoded)
	if !ks.grants.Has(granted, caller) {
		return nil, code
	}
	return ks.getBlob(x, granted, typ)
}
