package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/gamestats-mongo/internal/domain"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// uuidSubtype is the BSON binary subtype for RFC 4122 UUIDs
const uuidSubtype byte = 0x04

const idField = "_id"

// EncodeUUID stores a player id as fixed-width binary
func EncodeUUID(id uuid.UUID) primitive.Binary {
	data := make([]byte, len(id))
	copy(data, id[:])
	return primitive.Binary{Subtype: uuidSubtype, Data: data}
}

// DecodeUUID reads a player id stored by EncodeUUID
func DecodeUUID(b primitive.Binary) (uuid.UUID, error) {
	if b.Subtype != uuidSubtype {
		return uuid.Nil, fmt.Errorf("uuid has binary subtype %#x", b.Subtype)
	}
	return uuid.FromBytes(b.Data)
}

type profileRecord struct {
	UUID     primitive.Binary `bson:"uuid"`
	Username *string          `bson:"username"`
}

// ProfileFilter matches the profile of a player
func ProfileFilter(id uuid.UUID) bson.D {
	return bson.D{{Key: "uuid", Value: EncodeUUID(id)}}
}

// EncodeProfile renders a profile document
func EncodeProfile(p *domain.PlayerProfile) any {
	return profileRecord{UUID: EncodeUUID(p.UUID), Username: p.Username}
}

// SetUsername renders the update that changes a profile's username
func SetUsername(username string) bson.D {
	return bson.D{{Key: "$set", Value: bson.D{{Key: "username", Value: username}}}}
}

// DecodeProfile parses a stored profile document
func DecodeProfile(raw bson.Raw) (*domain.PlayerProfile, error) {
	var rec profileRecord
	if err := bson.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding profile: %w", err)
	}
	id, err := DecodeUUID(rec.UUID)
	if err != nil {
		return nil, fmt.Errorf("decoding profile uuid: %w", err)
	}
	return &domain.PlayerProfile{UUID: id, Username: rec.Username}, nil
}

// SubjectFilter matches the stats document of a subject
func SubjectFilter(s domain.Subject) bson.D {
	if s.Global {
		return bson.D{{Key: "namespace", Value: s.Namespace}}
	}
	return bson.D{
		{Key: "uuid", Value: EncodeUUID(s.Player)},
		{Key: "namespace", Value: s.Namespace},
	}
}

// PlayerFilter matches every stats document of a player
func PlayerFilter(id uuid.UUID) bson.D {
	return bson.D{{Key: "uuid", Value: EncodeUUID(id)}}
}

// SubjectCollection names the collection holding a subject's stats
func SubjectCollection(s domain.Subject) string {
	if s.Global {
		return GlobalStatsCollection
	}
	return PlayerStatsCollection
}

// NewStatsDocument renders an empty stats document for a subject
func NewStatsDocument(s domain.Subject) bson.D {
	doc := SubjectFilter(s)
	return append(doc, bson.E{Key: domain.StatsField, Value: bson.D{}})
}

// EncodeMutation renders a mutation as an update document. Keys are sorted
// so the same mutation always produces the same update.
func EncodeMutation(m domain.Mutation) bson.D {
	update := bson.D{}
	if len(m.Inc) > 0 {
		update = append(update, bson.E{Key: "$inc", Value: sortedFields(m.Inc)})
	}
	if len(m.Set) > 0 {
		update = append(update, bson.E{Key: "$set", Value: sortedFields(m.Set)})
	}
	return update
}

func sortedFields(fields map[string]any) bson.D {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	d := make(bson.D, 0, len(keys))
	for _, k := range keys {
		d = append(d, bson.E{Key: k, Value: fields[k]})
	}
	return d
}

// DecodeStatsDocument decodes a stats document against the expected shape.
// Any mismatch is reported as domain.ErrDocumentCorrupted.
func DecodeStatsDocument(s domain.Subject, raw bson.Raw) (domain.StatsDocument, error) {
	doc := domain.StatsDocument{Subject: s, Stats: map[string]domain.StoredStat{}}

	statsVal, err := raw.LookupErr(domain.StatsField)
	if err != nil {
		return doc, corrupted("missing %q field", domain.StatsField)
	}
	statsDoc, ok := statsVal.DocumentOK()
	if !ok {
		return doc, corrupted("%q is %s, not a document", domain.StatsField, statsVal.Type)
	}
	elems, err := statsDoc.Elements()
	if err != nil {
		return doc, corrupted("reading stats: %v", err)
	}
	for _, elem := range elems {
		stat, err := decodeStoredStat(elem.Value())
		if err != nil {
			return doc, fmt.Errorf("stat %q: %w", elem.Key(), err)
		}
		doc.Stats[elem.Key()] = stat
	}
	return doc, nil
}

func decodeStoredStat(v bson.RawValue) (domain.StoredStat, error) {
	doc, ok := v.DocumentOK()
	if !ok {
		return nil, corrupted("stat is %s, not a document", v.Type)
	}
	tag, ok := doc.Lookup("type").StringValueOK()
	if !ok {
		return nil, corrupted("missing type tag")
	}
	kind, err := domain.ParseStatKind(tag)
	if err != nil {
		return nil, corrupted("%v", err)
	}
	value, err := doc.LookupErr("value")
	if err != nil {
		return nil, corrupted("missing value")
	}

	switch kind {
	case domain.KindIntTotal:
		n, err := intValue(value)
		if err != nil {
			return nil, err
		}
		return domain.IntTotal(n), nil
	case domain.KindFloatTotal:
		f, err := floatValue(value)
		if err != nil {
			return nil, err
		}
		return domain.FloatTotal(f), nil
	case domain.KindIntAverage:
		totalVal, countVal, err := averageParts(value)
		if err != nil {
			return nil, err
		}
		total, err := intValue(totalVal)
		if err != nil {
			return nil, err
		}
		count, err := intValue(countVal)
		if err != nil {
			return nil, err
		}
		return domain.NewIntAverage(total, count)
	default:
		totalVal, countVal, err := averageParts(value)
		if err != nil {
			return nil, err
		}
		total, err := floatValue(totalVal)
		if err != nil {
			return nil, err
		}
		count, err := intValue(countVal)
		if err != nil {
			return nil, err
		}
		return domain.NewFloatAverage(total, count)
	}
}

func averageParts(v bson.RawValue) (bson.RawValue, bson.RawValue, error) {
	doc, ok := v.DocumentOK()
	if !ok {
		return bson.RawValue{}, bson.RawValue{}, corrupted("average value is %s, not a document", v.Type)
	}
	total, err := doc.LookupErr("total")
	if err != nil {
		return bson.RawValue{}, bson.RawValue{}, corrupted("average missing total")
	}
	count, err := doc.LookupErr("count")
	if err != nil {
		return bson.RawValue{}, bson.RawValue{}, corrupted("average missing count")
	}
	return total, count, nil
}

func intValue(v bson.RawValue) (int64, error) {
	switch v.Type {
	case bsontype.Int32:
		return int64(v.Int32()), nil
	case bsontype.Int64:
		return v.Int64(), nil
	default:
		return 0, corrupted("expected integer, found %s", v.Type)
	}
}

func floatValue(v bson.RawValue) (float64, error) {
	switch v.Type {
	case bsontype.Double:
		return v.Double(), nil
	case bsontype.Int32:
		return float64(v.Int32()), nil
	case bsontype.Int64:
		return float64(v.Int64()), nil
	default:
		return 0, corrupted("expected number, found %s", v.Type)
	}
}

func corrupted(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrDocumentCorrupted, fmt.Sprintf(format, args...))
}

// DocumentID returns the storage identity of a raw document
func DocumentID(raw bson.Raw) (bson.RawValue, error) {
	id, err := raw.LookupErr(idField)
	if err != nil {
		return bson.RawValue{}, fmt.Errorf("document has no %s", idField)
	}
	return id, nil
}

// IDFilter matches a document by storage identity
func IDFilter(id bson.RawValue) bson.D {
	return bson.D{{Key: idField, Value: id}}
}

// InsertedIDFilter matches a document by the identity InsertOne returned
func InsertedIDFilter(id any) bson.D {
	return bson.D{{Key: idField, Value: id}}
}

// QuarantineRecord renders the quarantine copy of an undecodable document.
// The original _id is dropped so the copy gets a fresh identity.
func QuarantineRecord(s domain.Subject, raw bson.Raw, cause error, now time.Time) (bson.D, error) {
	elems, err := raw.Elements()
	if err != nil {
		return nil, fmt.Errorf("reading corrupt document: %w", err)
	}
	content := make(bson.D, 0, len(elems))
	for _, elem := range elems {
		if elem.Key() == idField {
			continue
		}
		content = append(content, bson.E{Key: elem.Key(), Value: elem.Value()})
	}
	return bson.D{
		{Key: "source", Value: SubjectCollection(s)},
		{Key: "namespace", Value: s.Namespace},
		{Key: "global", Value: s.Global},
		{Key: "error", Value: cause.Error()},
		{Key: "quarantined_at", Value: primitive.NewDateTimeFromTime(now)},
		{Key: "document", Value: content},
	}, nil
}

// FormatID renders an inserted id for logs and events
func FormatID(id any) string {
	switch v := id.(type) {
	case primitive.ObjectID:
		return v.Hex()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
