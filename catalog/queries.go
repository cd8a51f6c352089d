package catalog

// Metadata queries against the SQL Server system catalog. Queries with
// parameters run through sp_executesql; parameterless ones are sent as
// plain SQL batches.

const querySchemas = `
SELECT s.name
FROM sys.schemas s
ORDER BY s.name`

const queryTables = `
SELECT o.name, o.type
FROM sys.objects o
JOIN sys.schemas s ON o.schema_id = s.schema_id
WHERE s.name = @schema AND o.type IN ('U', 'V')
ORDER BY o.name`

const queryColumns = `
SELECT c.name,
       t.name,
       CAST(c.max_length AS int),
       CAST(c.precision AS int),
       CAST(c.scale AS int),
       c.is_nullable,
       c.is_identity,
       ISNULL(c.collation_name, N'')
FROM sys.columns c
JOIN sys.types t ON c.user_type_id = t.user_type_id
JOIN sys.objects o ON c.object_id = o.object_id
JOIN sys.schemas s ON o.schema_id = s.schema_id
WHERE s.name = @schema AND o.name = @table
ORDER BY c.column_id`

const queryPrimaryKey = `
SELECT c.name
FROM sys.key_constraints kc
JOIN sys.index_columns ic
  ON kc.parent_object_id = ic.object_id AND kc.unique_index_id = ic.index_id
JOIN sys.columns c
  ON ic.object_id = c.object_id AND ic.column_id = c.column_id
JOIN sys.objects o ON kc.parent_object_id = o.object_id
JOIN sys.schemas s ON o.schema_id = s.schema_id
WHERE kc.type = 'PK' AND s.name = @schema AND o.name = @table
ORDER BY ic.key_ordinal`

// queryPreload joins all three levels plus the partition row counts in
// one round trip. Column order: schema, table, kind, column name, type
// name, max_length, precision, scale, nullable, identity, collation,
// is_pk, row_count.
const queryPreload = `
SELECT s.name,
       o.name,
       o.type,
       c.name,
       t.name,
       CAST(c.max_length AS int),
       CAST(c.precision AS int),
       CAST(c.scale AS int),
       c.is_nullable,
       c.is_identity,
       ISNULL(c.collation_name, N''),
       CAST(CASE WHEN ic.column_id IS NOT NULL THEN 1 ELSE 0 END AS bit),
       ISNULL(p.row_count, -1)
FROM sys.schemas s
JOIN sys.objects o ON o.schema_id = s.schema_id AND o.type IN ('U', 'V')
JOIN sys.columns c ON c.object_id = o.object_id
JOIN sys.types t ON c.user_type_id = t.user_type_id
LEFT JOIN sys.key_constraints kc
  ON kc.parent_object_id = o.object_id AND kc.type = 'PK'
LEFT JOIN sys.index_columns ic
  ON ic.object_id = o.object_id AND ic.index_id = kc.unique_index_id
 AND ic.column_id = c.column_id
LEFT JOIN (
    SELECT object_id, CAST(SUM(rows) AS bigint) AS row_count
    FROM sys.partitions
    WHERE index_id IN (0, 1)
    GROUP BY object_id
) p ON p.object_id = o.object_id
ORDER BY s.name, o.name, c.column_id`

// queryPreloadSchema is the single-schema variant of queryPreload.
const queryPreloadSchema = `
SELECT s.name,
       o.name,
       o.type,
       c.name,
       t.name,
       CAST(c.max_length AS int),
       CAST(c.precision AS int),
       CAST(c.scale AS int),
       c.is_nullable,
       c.is_identity,
       ISNULL(c.collation_name, N''),
       CAST(CASE WHEN ic.column_id IS NOT NULL THEN 1 ELSE 0 END AS bit),
       ISNULL(p.row_count, -1)
FROM sys.schemas s
JOIN sys.objects o ON o.schema_id = s.schema_id AND o.type IN ('U', 'V')
JOIN sys.columns c ON c.object_id = o.object_id
JOIN sys.types t ON c.user_type_id = t.user_type_id
LEFT JOIN sys.key_constraints kc
  ON kc.parent_object_id = o.object_id AND kc.type = 'PK'
LEFT JOIN sys.index_columns ic
  ON ic.object_id = o.object_id AND ic.index_id = kc.unique_index_id
 AND ic.column_id = c.column_id
LEFT JOIN (
    SELECT object_id, CAST(SUM(rows) AS bigint) AS row_count
    FROM sys.partitions
    WHERE index_id IN (0, 1)
    GROUP BY object_id
) p ON p.object_id = o.object_id
WHERE s.name = @schema
ORDER BY s.name, o.name, c.column_id`
