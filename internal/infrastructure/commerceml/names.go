package commerceml

import "strings"

// Element and attribute names of the CommerceML 2 schema.
const (
	elemRoot          = "КоммерческаяИнформация"
	attrSchemaVersion = "ВерсияСхемы"
	attrGeneratedAt   = "ДатаФормирования"

	elemCatalog  = "Каталог"
	elemProducts = "Товары"
	elemProduct  = "Товар"

	elemOfferPackage = "ПакетПредложений"
	elemOffers       = "Предложения"
	elemOffer        = "Предложение"

	elemDocument = "Документ"

	elemID          = "Ид"
	elemName        = "Наименование"
	elemSKU         = "Артикул"
	elemNumber      = "Номер"
	elemValue       = "Значение"
	elemQuantity    = "Количество"
	elemGroups      = "Группы"
	elemProperties  = "ЗначенияСвойств"
	elemProperty    = "ЗначенияСвойства"
	elemPrices      = "Цены"
	elemPrice       = "Цена"
	elemPriceTypeID = "ИдТипаЦены"
	elemUnitPrice   = "ЦенаЗаЕдиницу"
	elemCurrency    = "Валюта"
	elemWarehouse   = "Склад"
	elemRests       = "Остатки"
	elemRest        = "Остаток"
	elemRequisites  = "ЗначенияРеквизитов"
	elemRequisite   = "ЗначениеРеквизита"

	attrWarehouseID       = "ИдСклада"
	attrWarehouseQuantity = "КоличествоНаСкладе"

	requisiteStatus      = "Статус заказа"
	requisitePaid        = "Оплачен"
	requisiteOrderPaid   = "Заказ оплачен"
	requisiteCancelled   = "Отменен"
	statusCancelled      = "cancelled"
	elemDate             = "Дата"
	elemTime             = "Время"
	elemOperation        = "ХозОперация"
	elemRole             = "Роль"
	elemRate             = "Курс"
	elemSum              = "Сумма"
	elemCounterparties   = "Контрагенты"
	elemCounterparty     = "Контрагент"
	elemFullName         = "ПолноеНаименование"
	elemRegAddress       = "АдресРегистрации"
	elemPresentation     = "Представление"
	elemContacts         = "Контакты"
	elemContact          = "Контакт"
	elemType             = "Тип"
	elemComment          = "Комментарий"
	operationOrder       = "Заказ товара"
	roleSeller           = "Продавец"
	roleBuyer            = "Покупатель"
	contactEmail         = "Почта"
	contactPhone         = "ТелефонРабочий"
	defaultSchemaVersion = "2.10"
)

func path(elems ...string) string {
	return strings.Join(elems, "/")
}
