package model

// Tuple-command codes for writing to-many fields. The wire form of each
// command is a three-element list whose first element is the code.
const (
	cmdCreate  = 0
	cmdUpdate  = 1
	cmdDelete  = 2
	cmdUnlink  = 3
	cmdLink    = 4
	cmdClear   = 5
	cmdReplace = 6
)

// Command is one tuple command for a to-many field write. Build commands
// with the constructors below and pass a list of them as the field value in
// create or write payloads.
type Command struct {
	code   int
	id     int64
	values map[string]interface{}
	ids    []int64
}

// CreateRelated builds the command that creates a related record with the
// given values and links it.
func CreateRelated(values map[string]interface{}) Command {
	return Command{code: cmdCreate, values: values}
}

// UpdateRelated builds the command that updates the linked record id with
// the given values.
func UpdateRelated(id int64, values map[string]interface{}) Command {
	return Command{code: cmdUpdate, id: id, values: values}
}

// DeleteRelated builds the command that deletes the related record id from
// the database.
func DeleteRelated(id int64) Command {
	return Command{code: cmdDelete, id: id}
}

// Unlink builds the command that removes the link to record id without
// deleting it.
func Unlink(id int64) Command {
	return Command{code: cmdUnlink, id: id}
}

// Link builds the command that links the existing record id.
func Link(id int64) Command {
	return Command{code: cmdLink, id: id}
}

// ClearLinks builds the command that removes every link without deleting
// the records.
func ClearLinks() Command {
	return Command{code: cmdClear}
}

// Replace builds the command that replaces the full link set with the given
// ids.
func Replace(ids ...int64) Command {
	return Command{code: cmdReplace, ids: ids}
}

// Encode produces the three-element wire form of the command.
func (c Command) Encode() []interface{} {
	switch c.code {
	case cmdCreate:
		return []interface{}{cmdCreate, 0, c.values}
	case cmdUpdate:
		return []interface{}{cmdUpdate, c.id, c.values}
	case cmdDelete, cmdUnlink, cmdLink:
		return []interface{}{c.code, c.id, 0}
	case cmdClear:
		return []interface{}{cmdClear, 0, 0}
	default:
		ids := make([]interface{}, len(c.ids))
		for i, id := range c.ids {
			ids[i] = id
		}
		return []interface{}{cmdReplace, 0, ids}
	}
}

// EncodeCommands produces the wire value for a to-many field write.
func EncodeCommands(commands ...Command) []interface{} {
	out := make([]interface{}, len(commands))
	for i, c := range commands {
		out[i] = c.Encode()
	}
	return out
}
