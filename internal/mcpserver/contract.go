package mcpserver

// RecordContract describes how records are stored and queried, for LLM
// consumers calling the record tools.
const RecordContract = `# dyad Record Contract

Every record lives in two places.

## Document store (source of truth)

- Key: ` + "`" + `{class}:{id}` + "`" + `, where class is the lowercased model name.
- Holds every field, including fields that are not projected.
- ` + "`" + `get_record` + "`" + ` reads from here. A record you may not access reads as not found.

## Relational table (query projection)

- Only the model's synced columns are copied into the table.
- ` + "`" + `query_records` + "`" + ` reads from here. Filters may only name synced columns
  or the primary key.
- Set ` + "`" + `with_data` + "`" + ` to load each row's full document as well.

## Built-in fields

| Field        | Set by   | Meaning                                          |
|--------------|----------|--------------------------------------------------|
| ` + "`" + `created_at` + "`" + ` | engine   | First save, UTC, microsecond precision           |
| ` + "`" + `updated_at` + "`" + ` | engine   | Every save                                       |
| ` + "`" + `deleted_at` + "`" + ` | engine   | Soft delete; such rows are hidden from queries   |
| ` + "`" + `user_id` + "`" + `    | engine   | Principal that created the record                |
| ` + "`" + `_auth` + "`" + `      | engine   | Principals allowed to read the document          |

Do not send built-in fields in ` + "`" + `create_record` + "`" + `; they are overwritten.

## Ids

Ids look like ` + "`" + `page:lzq3k2x8a1b2c3` + "`" + `: the class, a colon, a base-36
millisecond timestamp and six random characters. Leave the primary key
empty on create and the engine assigns one.

## Validation

Fields are checked against the model definition before anything is
written. A failed create returns every violation in one error.
`
