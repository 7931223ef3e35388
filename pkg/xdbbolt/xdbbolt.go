package xdbbolt

import (
	"fmt"
	"path/filepath"

	"github.com/volery/volery/pkg/log"
	"github.com/volery/volery/pkg/router"
	"github.com/volery/volery/pkg/xmlx"
	bolt "go.etcd.io/bbolt"
)

var bucketSpool = []byte("spool")

// Store is an xdb storage component backed by a bolt database. It serves
// <xdb type="get"/> and <xdb type="set"/> requests for the domains and
// namespaces it is routed for, keyed by the owner's bare JID and the
// request namespace.
type Store struct {
	db   *bolt.DB
	r    *router.Router
	inst *router.Instance
}

// New opens (or creates) the database under dataDir and registers the
// component's delivery handler on the instance.
func New(r *router.Router, inst *router.Instance, dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "xdb.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSpool)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, r: r, inst: inst}
	inst.RegisterHandler(router.OrderDeliver, s.handle)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func spoolKey(owner, ns string) []byte {
	return []byte(owner + "\x00" + ns)
}

// handle serves one routed xdb request.
func (s *Store) handle(_ *router.Instance, p *router.Packet) router.Result {
	if p.Kind != router.KindXDB {
		return router.ResultPass
	}

	owner := p.To.Bare()
	ns := p.X.Attr("ns")

	var err error
	switch p.X.Attr("type") {
	case "get":
		err = s.get(p, owner, ns)
	case "set":
		err = s.set(p, owner, ns)
	default:
		return router.ResultErr
	}

	p.X.SwapToFrom()
	if err != nil {
		log.WithComponent("xdbbolt").Warn().Err(err).
			Str("owner", owner).Str("ns", ns).Msg("xdb request failed")
		p.X.SetAttr("type", "error")
	} else {
		p.X.SetAttr("type", "result")
	}
	s.r.Deliver(router.NewPacket(p.X), s.inst)
	return router.ResultDone
}

// get loads the stored element for (owner, ns) into the reply. A missing
// record is not an error; the reply is just empty.
func (s *Store) get(p *router.Packet, owner, ns string) error {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw = tx.Bucket(bucketSpool).Get(spoolKey(owner, ns))
		return nil
	})
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	data, err := xmlx.ParseString(string(raw))
	if err != nil {
		return fmt.Errorf("corrupt spool record for %s %s: %w", owner, ns, err)
	}
	p.X.AddChild(data)
	return nil
}

// set stores the request payload. With an action and a match expression
// the matching child of the stored element is replaced (or removed when the
// request carries no payload); every action value is handled this way, not
// only "insert". Without an action or a match the payload replaces the
// record.
func (s *Store) set(p *router.Packet, owner, ns string) error {
	data := p.X.FirstChild()
	action := p.X.Attr("action")
	match := p.X.Attr("match")
	if match == "" {
		match = p.X.Attr("matchpath")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSpool)
		key := spoolKey(owner, ns)

		if action == "" || match == "" {
			if data == nil {
				return b.Delete(key)
			}
			return b.Put(key, []byte(data.String()))
		}

		stored := xmlx.New("xdb")
		if raw := b.Get(key); raw != nil {
			parsed, err := xmlx.ParseString(string(raw))
			if err != nil {
				return fmt.Errorf("corrupt spool record for %s %s: %w", owner, ns, err)
			}
			stored = parsed
		}

		replaced := false
		for idx, c := range stored.Children {
			if matchElement(c, match) {
				if data == nil {
					stored.Children = append(stored.Children[:idx], stored.Children[idx+1:]...)
				} else {
					stored.Children[idx] = data.Clone()
				}
				replaced = true
				break
			}
		}
		if !replaced && data != nil {
			stored.AddChild(data.Clone())
		}
		return b.Put(key, []byte(stored.String()))
	})
}

// matchElement checks a child against a match expression of the form
// name or name/descendant.
func matchElement(e *xmlx.Element, match string) bool {
	return e.Name == match || e.Find(match) != nil
}
